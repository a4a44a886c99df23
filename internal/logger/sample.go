package logger

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const sampleDenom = 10000

// ShouldSample deterministically selects about sample*100% of keys, so the
// same key is either always or never logged.
func ShouldSample(sample float64, key string) bool {
	if sample <= 0 {
		return false
	}
	if sample >= 1 {
		return true
	}
	threshold := uint64(sample*sampleDenom + 0.5)
	if threshold == 0 {
		return false
	}
	return xxhash.Sum64String(key)%sampleDenom < threshold
}

// KeyHash is the form in which raw keys appear in hot-path logs.
func KeyHash(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}
