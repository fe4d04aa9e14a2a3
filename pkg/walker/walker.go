// Package walker descends directory trees in parallel and hands every
// regular file, already opened, to a per-worker visitor.
//
// Tasks carry open directory fds rather than paths, so the kernel never
// re-resolves full paths, and the pool self-helps: a submitter whose queue is
// full runs the task inline, which bounds queue memory on pathological trees.
package walker

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// FileVisitor consumes regular files. VisitFile owns f and must close it.
// Each visitor is driven by exactly one goroutine at a time; Flush is called
// once after quiescence.
type FileVisitor interface {
	VisitFile(f *os.File, devID, ino uint64, path string)
	Flush()
}

// Config configures a Walker.
type Config struct {
	// Jobs is the worker count, at least 1.
	Jobs int
	// OneFileSystem drops subdirectories whose st_dev differs from the
	// root they were reached from.
	OneFileSystem bool
	Logger        *slog.Logger
	// NewVisitor builds one visitor per worker, plus one for the
	// submitting goroutine's inline work.
	NewVisitor func() FileVisitor
}

const (
	queueCapPerWorker = 16
	direntBufSize     = 32 * 1024
)

type task struct {
	dir  *os.File // set for directory tasks
	file *os.File // set for file tasks

	devID   uint64 // dense filesystem id, flows into extent keys
	rootDev uint64 // st_dev of the originating root, for OneFileSystem
	ino     uint64
	path    string
}

type workerState struct {
	buf     []byte
	busy    bool // buf is mid-parse in an outer scanDir frame
	visitor FileVisitor
}

// Walker is the traversal pool.
type Walker struct {
	cfg    Config
	logger *slog.Logger

	queue   chan task
	pending atomic.Int64
	sealed  atomic.Bool
	aborted atomic.Bool

	quiesce     chan struct{}
	quiesceOnce sync.Once

	wg     sync.WaitGroup
	states []*workerState
}

// New builds a Walker and starts its workers. Roots are added with AddDir and
// AddFile; Wait blocks until the tree is exhausted.
func New(cfg Config) *Walker {
	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Walker{
		cfg:     cfg,
		logger:  cfg.Logger,
		queue:   make(chan task, queueCapPerWorker*cfg.Jobs),
		quiesce: make(chan struct{}),
	}
	// State 0 serves submissions from the caller's goroutine; the rest are
	// worker-owned.
	w.states = make([]*workerState, cfg.Jobs+1)
	for i := range w.states {
		w.states[i] = &workerState{
			buf:     make([]byte, direntBufSize),
			visitor: cfg.NewVisitor(),
		}
	}
	for i := 1; i < len(w.states); i++ {
		w.wg.Add(1)
		go w.worker(w.states[i])
	}
	return w
}

// AddDir submits a directory root. The walker takes ownership of dir.
func (w *Walker) AddDir(dir *os.File, devID, rootDev uint64, path string) {
	w.submit(w.states[0], task{dir: dir, devID: devID, rootDev: rootDev, path: path})
}

// AddFile submits a single regular file root. The walker takes ownership of f.
func (w *Walker) AddFile(f *os.File, devID, ino uint64, path string) {
	w.submit(w.states[0], task{file: f, devID: devID, ino: ino, path: path})
}

// Wait seals the root set, waits for quiescence and flushes every visitor.
func (w *Walker) Wait() {
	w.sealed.Store(true)
	if w.pending.Load() == 0 {
		w.quiesceOnce.Do(func() { close(w.quiesce) })
	}
	w.wg.Wait()
	for _, st := range w.states {
		st.visitor.Flush()
	}
}

// Abort makes remaining tasks drain without visiting anything.
func (w *Walker) Abort() { w.aborted.Store(true) }

// Aborted reports whether Abort was called.
func (w *Walker) Aborted() bool { return w.aborted.Load() }

func (w *Walker) worker(st *workerState) {
	defer w.wg.Done()
	for {
		select {
		case t := <-w.queue:
			w.exec(st, t)
		case <-w.quiesce:
			return
		}
	}
}

// submit enqueues t, or runs it inline on the submitter's own state when the
// queue is full.
func (w *Walker) submit(st *workerState, t task) {
	w.pending.Add(1)
	select {
	case w.queue <- t:
	default:
		w.exec(st, t)
	}
}

func (w *Walker) exec(st *workerState, t task) {
	if w.aborted.Load() {
		if t.dir != nil {
			t.dir.Close()
		}
		if t.file != nil {
			t.file.Close()
		}
	} else if t.dir != nil {
		w.scanDir(st, t)
	} else {
		st.visitor.VisitFile(t.file, t.devID, t.ino, t.path)
	}
	if w.pending.Add(-1) == 0 && w.sealed.Load() {
		w.quiesceOnce.Do(func() { close(w.quiesce) })
	}
}

func (w *Walker) scanDir(st *workerState, t task) {
	defer t.dir.Close()

	// Self-help submission can nest scanDir frames on one worker; only the
	// outermost frame may use the reusable buffer.
	buf := st.buf
	if st.busy {
		buf = make([]byte, direntBufSize)
	} else {
		st.busy = true
		defer func() { st.busy = false }()
	}

	fd := int(t.dir.Fd())
	for {
		n, err := unix.Getdents(fd, buf)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			w.logger.Warn("read directory", "path", t.path, "error", err)
			return
		}
		if n == 0 {
			return
		}
		parseDirents(buf[:n], func(ino uint64, typ byte, name string) {
			if name == "." || name == ".." {
				return
			}
			if typ == unix.DT_UNKNOWN {
				typ = w.resolveType(fd, t.path, name)
			}
			switch typ {
			case unix.DT_DIR:
				w.enterDir(st, t, name)
			case unix.DT_REG:
				w.enterFile(st, t, name, ino)
			}
		})
	}
}

// resolveType falls back to fstatat for filesystems that do not fill d_type.
func (w *Walker) resolveType(dirfd int, dirPath, name string) byte {
	var stt unix.Stat_t
	if err := unix.Fstatat(dirfd, name, &stt, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		w.logger.Warn("stat entry", "path", filepath.Join(dirPath, name), "error", err)
		return unix.DT_UNKNOWN
	}
	switch stt.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return unix.DT_DIR
	case unix.S_IFREG:
		return unix.DT_REG
	default:
		return unix.DT_UNKNOWN
	}
}

func (w *Walker) enterDir(st *workerState, t task, name string) {
	path := filepath.Join(t.path, name)
	cfd, err := unix.Openat(int(t.dir.Fd()), name,
		unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		w.openFailed(path, err)
		return
	}
	dir := os.NewFile(uintptr(cfd), path)
	if w.cfg.OneFileSystem {
		var stt unix.Stat_t
		if err := unix.Fstat(cfd, &stt); err != nil {
			w.logger.Warn("stat directory", "path", path, "error", err)
			dir.Close()
			return
		}
		if uint64(stt.Dev) != t.rootDev {
			dir.Close()
			return
		}
	}
	w.submit(st, task{dir: dir, devID: t.devID, rootDev: t.rootDev, path: path})
}

func (w *Walker) enterFile(st *workerState, t task, name string, ino uint64) {
	path := filepath.Join(t.path, name)
	cfd, err := unix.Openat(int(t.dir.Fd()), name,
		unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		w.openFailed(path, err)
		return
	}
	w.submit(st, task{file: os.NewFile(uintptr(cfd), path), devID: t.devID, rootDev: t.rootDev, ino: ino, path: path})
}

func (w *Walker) openFailed(path string, err error) {
	if IsFatal(err) {
		w.logger.Error("open", "path", path, "error", err)
		w.Abort()
		return
	}
	w.logger.Warn("open", "path", path, "error", err)
}

// IsFatal matches resource exhaustion, which no amount of skipping recovers
// from.
func IsFatal(err error) bool {
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOMEM)
}
