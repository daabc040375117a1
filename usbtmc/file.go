package usbtmc

import (
	"io"
	"os"
)

// FileDevice is a USBTMC instrument reached through the Linux kernel class
// driver (/dev/usbtmcN).  The kernel performs the bulk framing and applies
// its own transfer timeout, so reads and writes are plain file I/O.
type FileDevice struct {
	f *os.File
}

// OpenFile opens the usbtmc character device at path, e.g. /dev/usbtmc0.
func OpenFile(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) Read(p []byte) (int, error) {
	return d.f.Read(p)
}

func (d *FileDevice) Write(p []byte) (int, error) {
	return d.f.Write(p)
}

// Close releases the character device.  It is idempotent.
func (d *FileDevice) Close() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// FileConnMaker returns a connection maker for a comm.Pool which opens the
// kernel class driver device at path.
func FileConnMaker(path string) func() (io.ReadWriteCloser, error) {
	return func() (io.ReadWriteCloser, error) {
		return OpenFile(path)
	}
}
