// Package logx is tasknotify's structured logger: a value-type wrapper over
// zerolog whose level and outputs can be swapped while loggers derived from
// it stay valid. Console output is human readable, file output is JSON.
package logx
