// Package compsize accumulates per-compression-type space totals.
//
// Workers fold extent records into private Grids; the shared Totals merges
// them once at quiescence, so the hot path never touches a global lock.
package compsize

import (
	"sync"

	"github.com/xszdev/xsz/pkg/btrfs"
)

// Bucket indexes one row of the report.
type Bucket int

const (
	BucketNone Bucket = iota
	BucketZlib
	BucketLzo
	BucketZstd
	BucketUnknown
	BucketPrealloc
	numBuckets
)

var bucketNames = [numBuckets]string{"none", "zlib", "lzo", "zstd", "unknown", "prealloc"}

func (b Bucket) String() string { return bucketNames[b] }

// bucketOf classifies a record. Prealloc extents get their own bucket no
// matter what the compression field says; unknown compression ids share one.
func bucketOf(rec btrfs.ExtentRecord) Bucket {
	if rec.Kind == btrfs.ExtentPrealloc {
		return BucketPrealloc
	}
	if !rec.Compression.Known() {
		return BucketUnknown
	}
	return Bucket(rec.Compression)
}

// ExtentStat is one (disk, uncompressed, referenced) triple.
type ExtentStat struct {
	Disk         uint64
	Uncompressed uint64
	Referenced   uint64
}

func (s ExtentStat) IsZero() bool {
	return s.Disk == 0 && s.Uncompressed == 0 && s.Referenced == 0
}

func (s *ExtentStat) add(o ExtentStat) {
	s.Disk = satAdd(s.Disk, o.Disk)
	s.Uncompressed = satAdd(s.Uncompressed, o.Uncompressed)
	s.Referenced = satAdd(s.Referenced, o.Referenced)
}

func satAdd(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint64(0)
}

// Grid is one accumulator: per-bucket totals plus the scalar counters.
// Not concurrency-safe; each worker owns its own.
type Grid struct {
	Files          uint64
	RegularExtents uint64
	Refs           uint64
	InlineExtents  uint64

	Buckets [numBuckets]ExtentStat
}

// AddFiles counts n processed regular files.
func (g *Grid) AddFiles(n uint64) { g.Files += n }

// Record folds one non-inline extent record. fresh is the seen-set verdict:
// the first claimer accounts disk and uncompressed bytes, everyone accounts
// their referenced bytes.
func (g *Grid) Record(rec btrfs.ExtentRecord, fresh bool) {
	b := bucketOf(rec)
	g.Refs++
	if fresh {
		g.RegularExtents++
		g.Buckets[b].Disk = satAdd(g.Buckets[b].Disk, rec.DiskBytes)
		g.Buckets[b].Uncompressed = satAdd(g.Buckets[b].Uncompressed, rec.UncompressedBytes)
	}
	g.Buckets[b].Referenced = satAdd(g.Buckets[b].Referenced, rec.ReferencedBytes)
}

// RecordInline folds an inline extent. Inline data lives in metadata blocks,
// so it contributes referenced bytes only and is never deduplicated.
func (g *Grid) RecordInline(rec btrfs.ExtentRecord) {
	g.InlineExtents++
	b := bucketOf(rec)
	g.Buckets[b].Referenced = satAdd(g.Buckets[b].Referenced, rec.ReferencedBytes)
}

// Merge adds o into g. Addition is commutative, so merge order across
// workers does not matter.
func (g *Grid) Merge(o *Grid) {
	g.Files = satAdd(g.Files, o.Files)
	g.RegularExtents = satAdd(g.RegularExtents, o.RegularExtents)
	g.Refs = satAdd(g.Refs, o.Refs)
	g.InlineExtents = satAdd(g.InlineExtents, o.InlineExtents)
	for i := range g.Buckets {
		g.Buckets[i].add(o.Buckets[i])
	}
}

// Total sums every bucket.
func (g *Grid) Total() ExtentStat {
	var t ExtentStat
	for i := range g.Buckets {
		t.add(g.Buckets[i])
	}
	return t
}

// Totals is the shared merge target.
type Totals struct {
	mu   sync.Mutex
	grid Grid
}

func NewTotals() *Totals { return &Totals{} }

func (t *Totals) Merge(g *Grid) {
	t.mu.Lock()
	t.grid.Merge(g)
	t.mu.Unlock()
}

// Grid returns a snapshot of the merged grid.
func (t *Totals) Grid() Grid {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.grid
}
