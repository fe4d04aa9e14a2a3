// Package extset tracks which physical extents have already been counted.
// The only operation is Claim: the first claimer of a key wins the right to
// account the extent's disk and uncompressed bytes.
package extset

import "sync"

// Set is a concurrent set of physical extent keys.
type Set interface {
	// Claim inserts (dev, physical) and reports whether it was fresh.
	Claim(dev, physical uint64) bool
	Close() error
}

const numShards = 256

type key struct {
	dev      uint64
	physical uint64
}

type shard struct {
	mu sync.Mutex
	m  map[key]struct{}
}

// Sharded is the in-memory Set. Sharding by physical offset keeps reflink
// heavy trees from serializing every worker on one lock.
type Sharded struct {
	shards [numShards]shard
}

func NewSharded() *Sharded {
	s := &Sharded{}
	for i := range s.shards {
		s.shards[i].m = make(map[key]struct{})
	}
	return s
}

// shardOf picks a shard from the physical offset. Extents are 4K aligned, so
// the low 12 bits carry no entropy; a fibonacci multiply spreads the rest.
func shardOf(physical uint64) uint64 {
	return ((physical >> 12) * 0x9e3779b97f4a7c15) >> 56
}

func (s *Sharded) Claim(dev, physical uint64) bool {
	sh := &s.shards[shardOf(physical)]
	k := key{dev: dev, physical: physical}
	sh.mu.Lock()
	_, dup := sh.m[k]
	if !dup {
		sh.m[k] = struct{}{}
	}
	sh.mu.Unlock()
	return !dup
}

// Len returns the number of distinct keys claimed so far.
func (s *Sharded) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

func (s *Sharded) Close() error { return nil }
