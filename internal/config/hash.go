package config

import (
	"encoding/json"
	"hash/fnv"
)

// Hash fingerprints cfg so reloads of an unchanged file can be skipped.
// A nil config hashes to 0.
func Hash(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	h := fnv.New64a()
	if err := json.NewEncoder(h).Encode(cfg); err != nil {
		return 0
	}
	return h.Sum64()
}
