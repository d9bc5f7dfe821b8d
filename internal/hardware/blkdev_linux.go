package hardware

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// blockDeviceSize asks the kernel for a block device's size with the
// BLKGETSIZE64 ioctl. Used only when sysfs has no size attribute.
// Returns 0 when the device cannot be opened or queried.
func blockDeviceSize(path string) uint64 {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return 0
	}
	defer unix.Close(fd) //nolint:errcheck

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0
	}
	return size
}
