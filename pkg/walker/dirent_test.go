package walker

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

// appendDirent encodes one linux_dirent64 record with kernel-style 8-byte
// alignment.
func appendDirent(buf []byte, ino uint64, typ byte, name string) []byte {
	reclen := (direntHeaderSize + len(name) + 1 + 7) &^ 7
	rec := make([]byte, reclen)
	binary.LittleEndian.PutUint64(rec[0:], ino)
	binary.LittleEndian.PutUint64(rec[8:], 0) // off
	binary.LittleEndian.PutUint16(rec[16:], uint16(reclen))
	rec[18] = typ
	copy(rec[direntHeaderSize:], name)
	return append(buf, rec...)
}

func TestParseDirents(t *testing.T) {
	var buf []byte
	buf = appendDirent(buf, 2, unix.DT_DIR, ".")
	buf = appendDirent(buf, 1, unix.DT_DIR, "..")
	buf = appendDirent(buf, 257, unix.DT_REG, "a")
	buf = appendDirent(buf, 258, unix.DT_DIR, "subdir")
	buf = appendDirent(buf, 259, unix.DT_LNK, "link")
	buf = appendDirent(buf, 260, unix.DT_UNKNOWN, "mystery-name")

	type entry struct {
		ino  uint64
		typ  byte
		name string
	}
	var got []entry
	parseDirents(buf, func(ino uint64, typ byte, name string) {
		got = append(got, entry{ino, typ, name})
	})

	want := []entry{
		{2, unix.DT_DIR, "."},
		{1, unix.DT_DIR, ".."},
		{257, unix.DT_REG, "a"},
		{258, unix.DT_DIR, "subdir"},
		{259, unix.DT_LNK, "link"},
		{260, unix.DT_UNKNOWN, "mystery-name"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseDirentsEmpty(t *testing.T) {
	parseDirents(nil, func(uint64, byte, string) {
		t.Error("no entries expected")
	})
}

func TestParseDirentsBadReclen(t *testing.T) {
	buf := appendDirent(nil, 1, unix.DT_REG, "ok")
	// Corrupt the second record's reclen to run past the buffer.
	buf = appendDirent(buf, 2, unix.DT_REG, "broken")
	binary.LittleEndian.PutUint16(buf[24+16:], 4096)

	n := 0
	parseDirents(buf, func(uint64, byte, string) { n++ })
	if n != 1 {
		t.Errorf("parse should stop at the corrupt record, visited %d", n)
	}
}
