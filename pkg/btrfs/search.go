package btrfs

import (
	"encoding/binary"
	"errors"
	"os"
	"syscall"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// btrfs ioctl magic number
const btrfsIoctlMagic = 0x94

// Item key types
const (
	ExtentDataKey = 108
)

// Special object IDs
const (
	FirstFreeObjectID = 256
)

// SearchBufSize is the payload buffer carried by each TREE_SEARCH_V2 call.
// One leaf worth of items always fits; bigger buffers just mean fewer ioctls.
const SearchBufSize = 64 * 1024

// searchHeaderSize is the wire size of btrfs_ioctl_search_header.
const searchHeaderSize = 32

// btrfsIoctlSearchKey matches struct btrfs_ioctl_search_key
type btrfsIoctlSearchKey struct {
	TreeID      uint64
	MinObjectID uint64
	MaxObjectID uint64
	MinOffset   uint64
	MaxOffset   uint64
	MinTransID  uint64
	MaxTransID  uint64
	MinType     uint32
	MaxType     uint32
	NrItems     uint32
	_unused     uint32
	_unused1    uint64
	_unused2    uint64
	_unused3    uint64
	_unused4    uint64
}

// btrfsIoctlSearchArgsV2 matches struct btrfs_ioctl_search_args_v2 followed by
// the caller-supplied payload buffer.
type btrfsIoctlSearchArgsV2 struct {
	Key     btrfsIoctlSearchKey
	BufSize uint64
	Buf     [SearchBufSize]byte
}

// searchArgsV2Header mirrors just the fixed part of search_args_v2; the ioctl
// opcode encodes sizeof the fixed struct, not the flexible buffer.
type searchArgsV2Header struct {
	Key     btrfsIoctlSearchKey
	BufSize uint64
}

var ioctlTreeSearchV2 = ioctl.IOWR(btrfsIoctlMagic, 17, unsafe.Sizeof(searchArgsV2Header{}))

// SearchHeader is the decoded btrfs_ioctl_search_header preceding each item.
type SearchHeader struct {
	TransID  uint64
	ObjectID uint64
	Offset   uint64
	Type     uint32
	Len      uint32
}

func decodeSearchHeader(buf []byte) SearchHeader {
	return SearchHeader{
		TransID:  binary.LittleEndian.Uint64(buf[0:]),
		ObjectID: binary.LittleEndian.Uint64(buf[8:]),
		Offset:   binary.LittleEndian.Uint64(buf[16:]),
		Type:     binary.LittleEndian.Uint32(buf[24:]),
		Len:      binary.LittleEndian.Uint32(buf[28:]),
	}
}

// SearchArgs is a reusable TREE_SEARCH_V2 argument block. One per worker;
// not safe for concurrent use.
type SearchArgs struct {
	args btrfsIoctlSearchArgsV2
}

func NewSearchArgs() *SearchArgs {
	return &SearchArgs{}
}

// SetKey configures the search range. The iterator resumes batches by
// advancing MinOffset, so callers must pin objectid and type to single
// values (which is how every search in this tool runs).
func (a *SearchArgs) SetKey(treeID, objectID uint64, typ uint32) {
	a.args.Key = btrfsIoctlSearchKey{
		TreeID:      treeID,
		MinObjectID: objectID,
		MaxObjectID: objectID,
		MinOffset:   0,
		MaxOffset:   ^uint64(0),
		MinTransID:  0,
		MaxTransID:  ^uint64(0),
		MinType:     typ,
		MaxType:     typ,
	}
}

// Search starts a search against the filesystem that f lives on. The returned
// iterator borrows both a and f; it is exhausted once Next returns false.
func (a *SearchArgs) Search(f *os.File) *SearchIter {
	return &SearchIter{args: a, f: f}
}

// SearchIter yields (header, payload) pairs from TREE_SEARCH_V2, refilling the
// buffer as batches run out. Payload slices borrow the argument buffer and are
// only valid until the next call to Next.
type SearchIter struct {
	args *SearchArgs
	f    *os.File

	pos       int
	remaining uint32
	started   bool
	done      bool
	err       error

	header SearchHeader
	item   []byte
}

// Next advances to the next item. It returns false at end of results or on
// error; check Err afterwards.
func (it *SearchIter) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if it.remaining == 0 {
		if !it.fill() {
			return false
		}
	}
	buf := it.args.args.Buf[:]
	if it.pos+searchHeaderSize > len(buf) {
		it.err = errors.New("search item header past buffer end")
		return false
	}
	it.header = decodeSearchHeader(buf[it.pos:])
	start := it.pos + searchHeaderSize
	end := start + int(it.header.Len)
	if end > len(buf) {
		it.err = errors.New("search item payload past buffer end")
		return false
	}
	it.item = buf[start:end]
	it.pos = end
	it.remaining--
	return true
}

// fill issues one ioctl and reports whether any items arrived.
func (it *SearchIter) fill() bool {
	if it.started {
		// Resume after the last delivered item. Offset math is safe because
		// objectid and type are pinned by SetKey.
		if it.header.Offset == ^uint64(0) {
			it.done = true
			return false
		}
		it.args.args.Key.MinOffset = it.header.Offset + 1
	}
	it.args.args.Key.NrItems = ^uint32(0)
	it.args.args.BufSize = SearchBufSize
	if err := ioctl.Do(it.f, ioctlTreeSearchV2, &it.args.args); err != nil {
		if errors.Is(err, syscall.ENOENT) {
			it.done = true
			return false
		}
		it.err = err
		return false
	}
	it.started = true
	it.remaining = it.args.args.Key.NrItems
	it.pos = 0
	if it.remaining == 0 {
		it.done = true
		return false
	}
	return true
}

// Header returns the header of the current item.
func (it *SearchIter) Header() SearchHeader { return it.header }

// Item returns the payload of the current item, valid until the next Next.
func (it *SearchIter) Item() []byte { return it.item }

// Err returns the first ioctl or decode error encountered.
func (it *SearchIter) Err() error { return it.err }
