package btrfs

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// btrfsIoctlFsInfoArgs is the structure for BTRFS_IOC_FS_INFO
type btrfsIoctlFsInfoArgs struct {
	MaxID          uint64
	NumDevices     uint64
	FSID           [16]byte
	NodeSize       uint32
	SectorSize     uint32
	CloneAlignment uint32
	CsumType       uint16
	CsumSize       uint16
	Flags          uint64
	Generation     uint64
	MetadataUUID   [16]byte
	Reserved       [944]byte
}

var ioctlFsInfo = ioctl.IOR(btrfsIoctlMagic, 31, unsafe.Sizeof(btrfsIoctlFsInfoArgs{}))

// FSID is the filesystem UUID reported by FS_INFO. Every subvolume and
// snapshot of one filesystem shares it, unlike st_dev.
type FSID [16]byte

func (id FSID) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", id[0:4], id[4:6], id[6:8], id[8:10], id[10:16])
}

// FilesystemID returns the fsid of the filesystem f lives on.
func FilesystemID(f *os.File) (FSID, error) {
	var args btrfsIoctlFsInfoArgs
	if err := ioctl.Do(f, ioctlFsInfo, &args); err != nil {
		return FSID{}, fmt.Errorf("FS_INFO ioctl: %w", err)
	}
	return FSID(args.FSID), nil
}

// IsNotBtrfs reports whether err is the errno a btrfs-only ioctl returns on a
// foreign filesystem.
func IsNotBtrfs(err error) bool {
	return errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EINVAL)
}
