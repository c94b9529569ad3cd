// Package scheduler fires the recurring poll trigger.
//
// The trigger runs only while the service is started; the app starts it when
// the enabled flag turns on and stops it when the flag turns off. Start also
// fires once immediately. Overlapping firings are skipped.
package scheduler
