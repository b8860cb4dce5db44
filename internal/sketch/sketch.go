// Package sketch provides a count-min frequency estimator. It answers
// "roughly how often has this fingerprint been seen" in O(depth) time
// and fixed memory, never undercounting: Estimate(key) >= true count,
// with overcount bounded by ~(e/width)·N with high probability.
package sketch

import (
	"hash/fnv"
	"sync/atomic"
)

// Sketch is a count-min sketch with lock-free counters. Concurrent
// increments may race into the same cell; the result is still a valid
// overcount, which is the approximation this structure promises.
type Sketch struct {
	width uint64
	depth int
	rows  [][]atomic.Uint64
	adds  atomic.Uint64
}

// New creates a sketch of the given width and depth. Width drives the
// overcount bound, depth the confidence. Zero or negative values fall
// back to 1024x4.
func New(width, depth int) *Sketch {
	if width <= 0 {
		width = 1024
	}
	if depth <= 0 {
		depth = 4
	}
	rows := make([][]atomic.Uint64, depth)
	for i := range rows {
		rows[i] = make([]atomic.Uint64, width)
	}
	return &Sketch{width: uint64(width), depth: depth, rows: rows}
}

// Add records one access of key.
func (s *Sketch) Add(key string) {
	h1, h2 := hashPair(key)
	for i := 0; i < s.depth; i++ {
		idx := (h1 + uint64(i)*h2) % s.width
		s.rows[i][idx].Add(1)
	}
	s.adds.Add(1)
}

// Estimate returns the approximate access count for key: the minimum
// counter across rows. Never below the true count.
func (s *Sketch) Estimate(key string) uint64 {
	h1, h2 := hashPair(key)
	var min uint64
	for i := 0; i < s.depth; i++ {
		idx := (h1 + uint64(i)*h2) % s.width
		v := s.rows[i][idx].Load()
		if i == 0 || v < min {
			min = v
		}
	}
	return min
}

// Adds returns the total number of increments, for error-bound math.
func (s *Sketch) Adds() uint64 {
	return s.adds.Load()
}

// Halve ages every counter by dividing it in two. Called periodically
// so that stale popularity does not block admission forever.
func (s *Sketch) Halve() {
	for i := range s.rows {
		for j := range s.rows[i] {
			for {
				old := s.rows[i][j].Load()
				if s.rows[i][j].CompareAndSwap(old, old/2) {
					break
				}
			}
		}
	}
	for {
		old := s.adds.Load()
		if s.adds.CompareAndSwap(old, old/2) {
			break
		}
	}
}

// hashPair derives two independent 64-bit hashes of key using FNV-1a
// over the raw bytes and over the bytes with a salt prefix. Row i uses
// h1 + i*h2 (Kirsch-Mitzenmacher double hashing).
func hashPair(key string) (uint64, uint64) {
	f := fnv.New64a()
	f.Write([]byte(key))
	h1 := f.Sum64()

	f.Reset()
	f.Write([]byte{0x9e, 0x37})
	f.Write([]byte(key))
	h2 := f.Sum64() | 1 // odd so the stride never degenerates
	return h1, h2
}
