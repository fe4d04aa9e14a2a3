package extset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// Spill is a disk-backed Set for trees whose distinct-extent population is
// too large for memory. Keys are 16-byte big-endian (dev, physical) pairs in
// a Pebble store that lives for one run and is removed on Close.
type Spill struct {
	db   *pebble.DB
	dir  string
	lock [numShards]sync.Mutex

	errMu    sync.Mutex
	firstErr error
}

// NewSpill creates a fresh store under baseDir.
func NewSpill(baseDir string) (*Spill, error) {
	dir := filepath.Join(baseDir, "xsz-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spill directory: %w", err)
	}

	opts := &pebble.Options{
		// Claim values are empty; the memtable holds keys only, so a modest
		// size flushes rarely.
		MemTableSize: 64 << 20,
		DisableWAL:   true,
		Logger:       &silentLogger{},
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("open spill store: %w", err)
	}
	return &Spill{db: db, dir: dir}, nil
}

// silentLogger suppresses Pebble's info logs
type silentLogger struct{}

func (l *silentLogger) Infof(format string, args ...interface{})  {}
func (l *silentLogger) Errorf(format string, args ...interface{}) {}
func (l *silentLogger) Fatalf(format string, args ...interface{}) {}

func (s *Spill) Claim(dev, physical uint64) bool {
	var k [16]byte
	binary.BigEndian.PutUint64(k[0:], dev)
	binary.BigEndian.PutUint64(k[8:], physical)

	// Get-then-set must be atomic per key; the shard lock covers it.
	mu := &s.lock[shardOf(physical)]
	mu.Lock()
	defer mu.Unlock()

	_, closer, err := s.db.Get(k[:])
	if err == nil {
		closer.Close()
		return false
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		s.recordErr(fmt.Errorf("spill lookup: %w", err))
	}
	if err := s.db.Set(k[:], nil, pebble.NoSync); err != nil {
		// The Set contract has no per-claim error channel; remember the first
		// failure and surface it at Close. The claim still counts as fresh.
		s.recordErr(fmt.Errorf("spill insert: %w", err))
	}
	return true
}

func (s *Spill) recordErr(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
}

func (s *Spill) Close() error {
	err := s.db.Close()
	s.errMu.Lock()
	if s.firstErr != nil && err == nil {
		err = s.firstErr
	}
	s.errMu.Unlock()
	if rmErr := os.RemoveAll(s.dir); err == nil {
		err = rmErr
	}
	return err
}
