// Package rng provides deterministic, splittable pseudorandom keys. A key
// can be split into independent substreams so that re-running an epoch with
// the same seed and batch order reproduces identical stochastic-layer
// behavior.
package rng

import "math/rand"

// Key identifies one pseudorandom stream.
type Key uint64

// New derives a root key from a seed.
func New(seed int64) Key {
	return Key(splitmix64(uint64(seed)))
}

// Split derives n independent subkeys from k in a fixed order. Each
// subkey mixes the parent with its index, so the substreams of a carried
// subkey do not overlap the parent's. The convention throughout the
// trainer is Split(batchSize+1): subkey 0 is carried forward, subkeys
// 1..batchSize drive per-sample stochastic layers.
func (k Key) Split(n int) []Key {
	keys := make([]Key, n)
	base := splitmix64(uint64(k))
	for i := range keys {
		keys[i] = Key(splitmix64(base ^ (uint64(i)+1)*0x9e3779b97f4a7c15))
	}
	return keys
}

// Fold mixes a label into the key, producing a distinct derived key.
func (k Key) Fold(label uint64) Key {
	return Key(splitmix64(uint64(k) ^ splitmix64(label)))
}

// Source returns a rand.Rand seeded from the key. Each call returns an
// independent generator positioned at the stream's start.
func (k Key) Source() *rand.Rand {
	return rand.New(rand.NewSource(int64(uint64(k))))
}

// splitmix64 is the SplitMix64 mixing function.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
