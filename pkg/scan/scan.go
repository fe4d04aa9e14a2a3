// Package scan ties the walker, the extent decoder, the seen-extent set and
// the aggregator into one run over a set of roots.
package scan

import (
	"errors"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/xszdev/xsz/pkg/btrfs"
	"github.com/xszdev/xsz/pkg/compsize"
	"github.com/xszdev/xsz/pkg/extset"
	"github.com/xszdev/xsz/pkg/walker"
)

// Options configures a run.
type Options struct {
	// Jobs is the worker count, at least 1.
	Jobs int
	// OneFileSystem stops descent at mount boundaries.
	OneFileSystem bool
	// Spill backs the seen-extent set with a disk store under SpillDir.
	Spill    bool
	SpillDir string
	Logger   *slog.Logger
}

var (
	// ErrNoRoots means every named root failed to open or probe.
	ErrNoRoots = errors.New("no usable roots")
	// ErrAborted means the run hit a fatal condition (resource exhaustion)
	// and drained early.
	ErrAborted = errors.New("scan aborted")
)

type engine struct {
	logger *slog.Logger
	set    extset.Set
	totals *compsize.Totals
	walker *walker.Walker

	// Dense per-filesystem ids: extent keys need a device component that is
	// stable across subvolumes, which st_dev is not.
	devIDs map[btrfs.FSID]uint64

	unknownMu     sync.Mutex
	unknownWarned map[btrfs.Compression]struct{}
}

// Run scans the given roots and returns the merged totals.
func Run(roots []string, opts Options) (compsize.Grid, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var set extset.Set
	if opts.Spill {
		spill, err := extset.NewSpill(opts.SpillDir)
		if err != nil {
			return compsize.Grid{}, err
		}
		set = spill
	} else {
		set = extset.NewSharded()
	}

	e := &engine{
		logger:        logger,
		set:           set,
		totals:        compsize.NewTotals(),
		devIDs:        make(map[btrfs.FSID]uint64),
		unknownWarned: make(map[btrfs.Compression]struct{}),
	}
	e.walker = walker.New(walker.Config{
		Jobs:          opts.Jobs,
		OneFileSystem: opts.OneFileSystem,
		Logger:        logger,
		NewVisitor: func() walker.FileVisitor {
			return &fileWorker{e: e, args: btrfs.NewSearchArgs()}
		},
	})

	usable := 0
	for _, root := range roots {
		if e.addRoot(root) {
			usable++
		}
	}
	e.walker.Wait()

	if err := set.Close(); err != nil {
		logger.Warn("close seen-extent set", "error", err)
	}
	grid := e.totals.Grid()
	if e.walker.Aborted() {
		return grid, ErrAborted
	}
	if usable == 0 {
		return grid, ErrNoRoots
	}
	return grid, nil
}

// addRoot opens and probes one named root, submitting it to the walker.
// Roots are the one place symlinks are followed: the user named the path.
func (e *engine) addRoot(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		e.logger.Warn("open root", "path", path, "error", err)
		return false
	}
	var stt unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &stt); err != nil {
		e.logger.Warn("stat root", "path", path, "error", err)
		f.Close()
		return false
	}
	fsid, err := btrfs.FilesystemID(f)
	if err != nil {
		if btrfs.IsNotBtrfs(err) {
			e.logger.Warn("skipping non-btrfs root", "path", path)
		} else {
			e.logger.Warn("probe root", "path", path, "error", err)
		}
		f.Close()
		return false
	}
	devID := e.devID(fsid)

	switch stt.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		e.walker.AddDir(f, devID, uint64(stt.Dev), path)
	case unix.S_IFREG:
		e.walker.AddFile(f, devID, stt.Ino, path)
	default:
		e.logger.Warn("root is not a file or directory", "path", path)
		f.Close()
		return false
	}
	return true
}

func (e *engine) devID(fsid btrfs.FSID) uint64 {
	if id, ok := e.devIDs[fsid]; ok {
		return id
	}
	id := uint64(len(e.devIDs))
	e.devIDs[fsid] = id
	return id
}

// warnUnknown logs once per unknown compression id.
func (e *engine) warnUnknown(c btrfs.Compression, path string) {
	e.unknownMu.Lock()
	defer e.unknownMu.Unlock()
	if _, ok := e.unknownWarned[c]; ok {
		return
	}
	e.unknownWarned[c] = struct{}{}
	e.logger.Warn("unknown compression id", "id", uint8(c), "path", path)
}

// fileWorker is the per-worker visitor: it enumerates extents, claims them
// against the shared set and folds them into its private grid.
type fileWorker struct {
	e    *engine
	args *btrfs.SearchArgs
	grid compsize.Grid
}

func (fw *fileWorker) VisitFile(f *os.File, devID, ino uint64, path string) {
	defer f.Close()
	fw.grid.AddFiles(1)

	it := btrfs.FileExtents(fw.args, f, ino)
	for it.Next() {
		rec := it.Record()
		if !rec.Compression.Known() {
			fw.e.warnUnknown(rec.Compression, path)
		}
		if rec.Kind == btrfs.ExtentInline {
			fw.grid.RecordInline(rec)
			continue
		}
		fresh := fw.e.set.Claim(devID, rec.Physical)
		fw.grid.Record(rec, fresh)
	}
	if err := it.Err(); err != nil {
		switch {
		case btrfs.IsNotBtrfs(err):
			fw.e.logger.Warn("not btrfs (or SEARCH_V2 unsupported)", "path", path)
		case walker.IsFatal(err):
			fw.e.logger.Error("extent search", "path", path, "error", err)
			fw.e.walker.Abort()
		default:
			fw.e.logger.Warn("extent search", "path", path, "error", err)
		}
	}
}

func (fw *fileWorker) Flush() {
	fw.e.totals.Merge(&fw.grid)
}
