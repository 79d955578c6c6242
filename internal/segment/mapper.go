package segment

import "golang.org/x/sys/unix"

// mapper maps segment files into memory. Tests swap it to count syncs or
// inject failures.
type mapper interface {
	Map(fd int, length int) ([]byte, error)
	Unmap(data []byte) error
	Sync(data []byte) error
}

type unixMapper struct{}

func (unixMapper) Map(fd int, length int) ([]byte, error) {
	return unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (unixMapper) Unmap(data []byte) error {
	return unix.Munmap(data)
}

func (unixMapper) Sync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}
