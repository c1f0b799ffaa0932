// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// BloomFilter is the membership structure the backend sends with an
// existence filter. Each value is hashed with MD5; the two halves of
// the digest, read as little-endian uint64s, seed hashCount probes by
// double hashing: probe i tests bit (h1 + i*h2) mod bitCount. Bit n
// lives in byte n/8 at position n%8, least significant first.
type BloomFilter struct {
	bits      []byte
	hashCount int
	bitCount  uint64
}

// NewBloomFilter validates and wraps a serialized filter. padding is
// the number of unused high bits in the last byte.
func NewBloomFilter(bits []byte, padding, hashCount int) (*BloomFilter, error) {
	if padding < 0 || padding >= 8 {
		return nil, fmt.Errorf("bloom filter: invalid padding %d", padding)
	}
	if hashCount < 0 {
		return nil, fmt.Errorf("bloom filter: invalid hash count %d", hashCount)
	}
	if len(bits) > 0 && hashCount == 0 {
		return nil, fmt.Errorf("bloom filter: hash count 0 with %d bytes", len(bits))
	}
	if len(bits) == 0 && padding != 0 {
		return nil, fmt.Errorf("bloom filter: padding %d with empty bitmap", padding)
	}
	return &BloomFilter{
		bits:      bits,
		hashCount: hashCount,
		bitCount:  uint64(len(bits)*8 - padding),
	}, nil
}

// BitCount returns the number of usable bits.
func (f *BloomFilter) BitCount() int { return int(f.bitCount) }

// MightContain reports whether value may be in the set. A false result
// is definite.
func (f *BloomFilter) MightContain(value string) bool {
	if f.bitCount == 0 {
		return false
	}
	h1, h2 := bloomHashes(value)
	for i := range f.hashCount {
		if !f.isBitSet(f.bitIndex(h1, h2, i)) {
			return false
		}
	}
	return true
}

func (f *BloomFilter) bitIndex(h1, h2 uint64, i int) uint64 {
	return (h1 + h2*uint64(i)) % f.bitCount
}

func (f *BloomFilter) isBitSet(index uint64) bool {
	return f.bits[index/8]&(1<<(index%8)) != 0
}

func (f *BloomFilter) setBit(index uint64) {
	f.bits[index/8] |= 1 << (index % 8)
}

func bloomHashes(value string) (uint64, uint64) {
	digest := md5.Sum([]byte(value))
	return binary.LittleEndian.Uint64(digest[:8]), binary.LittleEndian.Uint64(digest[8:])
}

// BuildBloomFilter builds a filter over values with bitCount bits and
// hashCount probes. It is the backend's half of the encoding, used by
// in-process backends.
func BuildBloomFilter(values []string, bitCount, hashCount int) *BloomFilter {
	if bitCount <= 0 {
		return &BloomFilter{hashCount: hashCount}
	}
	size := (bitCount + 7) / 8
	filter := &BloomFilter{
		bits:      make([]byte, size),
		hashCount: hashCount,
		bitCount:  uint64(bitCount),
	}
	for _, value := range values {
		h1, h2 := bloomHashes(value)
		for i := range hashCount {
			filter.setBit(filter.bitIndex(h1, h2, i))
		}
	}
	return filter
}

// Frame returns the serialized form of the filter.
func (f *BloomFilter) Frame() *BloomFilterFrame {
	return &BloomFilterFrame{
		Bits:      f.bits,
		Padding:   len(f.bits)*8 - int(f.bitCount),
		HashCount: f.hashCount,
	}
}
