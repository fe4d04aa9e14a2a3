package walker

import "encoding/binary"

// linux_dirent64 field offsets: ino u64, off u64, reclen u16, type u8, then
// the NUL-terminated name.
const direntHeaderSize = 19

// parseDirents walks one getdents64 buffer, calling visit for every entry.
// Truncated trailing records (the kernel never produces them) stop the scan.
func parseDirents(buf []byte, visit func(ino uint64, typ byte, name string)) {
	for len(buf) >= direntHeaderSize {
		reclen := int(binary.LittleEndian.Uint16(buf[16:]))
		if reclen < direntHeaderSize || reclen > len(buf) {
			return
		}
		ino := binary.LittleEndian.Uint64(buf[0:])
		typ := buf[18]

		name := buf[direntHeaderSize:reclen]
		for i, b := range name {
			if b == 0 {
				name = name[:i]
				break
			}
		}
		visit(ino, typ, string(name))
		buf = buf[reclen:]
	}
}
