package btrfs

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Compression identifies the compression algorithm of an extent, matching the
// on-disk btrfs_file_extent_item compression field.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZlib Compression = 1
	CompressionLzo  Compression = 2
	CompressionZstd Compression = 3
)

// Known reports whether c is a compression id this tool knows by name.
func (c Compression) Known() bool { return c <= CompressionZstd }

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	case CompressionLzo:
		return "lzo"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ExtentKind is the btrfs_file_extent_item type field.
type ExtentKind uint8

const (
	ExtentInline   ExtentKind = 0
	ExtentRegular  ExtentKind = 1
	ExtentPrealloc ExtentKind = 2
)

func (k ExtentKind) String() string {
	switch k {
	case ExtentInline:
		return "inline"
	case ExtentRegular:
		return "regular"
	case ExtentPrealloc:
		return "prealloc"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ExtentRecord is one decoded file extent mapping. Physical is the extent's
// disk bytenr and is zero (meaningless) for inline extents; holes never
// produce a record.
type ExtentRecord struct {
	Kind        ExtentKind
	Compression Compression

	Physical          uint64
	DiskBytes         uint64
	UncompressedBytes uint64
	ReferencedBytes   uint64
}

// btrfs_file_extent_item layout offsets. The fixed header runs through the
// type byte; inline payload data follows it directly.
const (
	fileExtentInlineHeaderSize = 21
	fileExtentItemSize         = 53
)

// decodeFileExtent decodes one EXTENT_DATA payload. skip is true for holes,
// which contribute nothing.
func decodeFileExtent(hdr SearchHeader, item []byte) (rec ExtentRecord, skip bool, err error) {
	if len(item) < fileExtentInlineHeaderSize {
		return rec, false, fmt.Errorf("file extent item truncated at %d bytes", len(item))
	}
	ramBytes := binary.LittleEndian.Uint64(item[8:])
	compression := Compression(item[16])
	kind := ExtentKind(item[20])

	switch kind {
	case ExtentInline:
		// Inline data is stored in the item itself; its disk footprint is
		// whatever follows the fixed header.
		return ExtentRecord{
			Kind:              ExtentInline,
			Compression:       compression,
			DiskBytes:         uint64(hdr.Len) - fileExtentInlineHeaderSize,
			UncompressedBytes: ramBytes,
			ReferencedBytes:   ramBytes,
		}, false, nil
	case ExtentRegular, ExtentPrealloc:
		if len(item) != fileExtentItemSize {
			return rec, false, fmt.Errorf("regular extent item is %d bytes, want %d", len(item), fileExtentItemSize)
		}
		diskBytenr := binary.LittleEndian.Uint64(item[21:])
		if diskBytenr == 0 {
			// Hole.
			return rec, true, nil
		}
		return ExtentRecord{
			Kind:              kind,
			Compression:       compression,
			Physical:          diskBytenr,
			DiskBytes:         binary.LittleEndian.Uint64(item[29:]),
			UncompressedBytes: ramBytes,
			ReferencedBytes:   binary.LittleEndian.Uint64(item[45:]),
		}, false, nil
	default:
		return rec, false, fmt.Errorf("invalid file extent type %d", uint8(kind))
	}
}

// FileExtentIter yields the extent records of one inode.
type FileExtentIter struct {
	it  *SearchIter
	rec ExtentRecord
	err error
}

// FileExtents enumerates the EXTENT_DATA items of the given inode through the
// filesystem f lives on. args is reused across files; treeID 0 means the tree
// the fd belongs to.
func FileExtents(args *SearchArgs, f *os.File, ino uint64) *FileExtentIter {
	args.SetKey(0, ino, ExtentDataKey)
	return &FileExtentIter{it: args.Search(f)}
}

// Next advances to the next non-hole extent record.
func (x *FileExtentIter) Next() bool {
	if x.err != nil {
		return false
	}
	for x.it.Next() {
		rec, skip, err := decodeFileExtent(x.it.Header(), x.it.Item())
		if err != nil {
			x.err = err
			return false
		}
		if skip {
			continue
		}
		x.rec = rec
		return true
	}
	x.err = x.it.Err()
	return false
}

// Record returns the current extent record.
func (x *FileExtentIter) Record() ExtentRecord { return x.rec }

// Err returns the first error encountered, nil at normal exhaustion.
func (x *FileExtentIter) Err() error { return x.err }
