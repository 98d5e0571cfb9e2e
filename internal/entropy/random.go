// Package entropy seeds the simulation's random generators. Runs are
// reproducible when a seed is configured; otherwise a seed is drawn from
// crypto/rand and logged so the run can be replayed.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	mrand "math/rand"
	"time"
)

// Seed returns a fresh non-zero seed from crypto/rand, falling back to the
// wall clock if the system source fails.
func Seed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// This should never happen.
		return time.Now().UnixNano()
	}
	seed := int64(binary.LittleEndian.Uint64(buf[:]) >> 1)
	if seed == 0 {
		seed = 1
	}
	return seed
}

// NewRand returns a generator for seed. A zero seed means "pick one".
// The seed actually used is returned alongside.
func NewRand(seed int64) (*mrand.Rand, int64) {
	if seed == 0 {
		seed = Seed()
		slog.Info("random seed chosen", "seed", seed)
	}
	return mrand.New(mrand.NewSource(seed)), seed
}
