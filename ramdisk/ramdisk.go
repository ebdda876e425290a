// Package ramdisk reads the boot archive the loader hands to the kernel: a
// ustar archive, optionally wrapped in snappy framing. The kernel pulls
// exactly one thing out of it at boot, the router executable, but the
// reader is generic.
package ramdisk

import (
	"bytes"
	"io/ioutil"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

const (
	blockSize   = 512
	nameOffset  = 0
	nameLen     = 100
	sizeOffset  = 124
	sizeLen     = 12
	magicOffset = 257
	typeOffset  = 156
)

var ustarMagic = []byte("ustar")

// snappy framed-stream header
var snappyMagic = []byte{0xff, 0x06, 0x00, 0x00, 's', 'N', 'a', 'P', 'p', 'Y'}

var (
	mu   sync.Mutex
	disk []byte
)

// Init installs the boot archive, transparently decompressing snappy
// framing. A nil or empty image is accepted; lookups just find nothing.
func Init(image []byte) error {
	if bytes.HasPrefix(image, snappyMagic) {
		raw, err := ioutil.ReadAll(snappy.NewReader(bytes.NewReader(image)))
		if err != nil {
			return errors.Wrap(err, "decompressing ramdisk")
		}
		image = raw
	}
	mu.Lock()
	disk = image
	mu.Unlock()
	return nil
}

// Size returns the installed archive size in bytes.
func Size() int {
	mu.Lock()
	defer mu.Unlock()
	return len(disk)
}

func findFile(name string) (offset int, size int64) {
	for off := 0; off+blockSize <= len(disk); {
		hdr := disk[off : off+blockSize]
		if !bytes.Equal(hdr[magicOffset:magicOffset+len(ustarMagic)], ustarMagic) {
			break
		}
		entry := strings.TrimRight(string(hdr[nameOffset:nameOffset+nameLen]), "\x00")
		entry = strings.TrimPrefix(entry, "./")
		sz, err := strconv.ParseInt(strings.Trim(string(hdr[sizeOffset:sizeOffset+sizeLen]), "\x00 "), 8, 64)
		if err != nil {
			break
		}
		if entry == name && (hdr[typeOffset] == '0' || hdr[typeOffset] == 0) {
			return off + blockSize, sz
		}
		off += blockSize + int((sz+blockSize-1)/blockSize)*blockSize
	}
	return 0, -1
}

// FileSize returns the byte size of a file in the archive, -1 when absent.
func FileSize(name string) int64 {
	mu.Lock()
	defer mu.Unlock()
	_, size := findFile(name)
	return size
}

// ReadFile returns a copy of a file's contents, nil when absent.
func ReadFile(name string) []byte {
	mu.Lock()
	defer mu.Unlock()
	off, size := findFile(name)
	if size < 0 || off+int(size) > len(disk) {
		return nil
	}
	out := make([]byte, size)
	copy(out, disk[off:off+int(size)])
	return out
}

// Read copies up to len(buf) bytes of a file into buf and returns the count
// copied, -1 when the file is absent.
func Read(name string, buf []byte) int64 {
	mu.Lock()
	defer mu.Unlock()
	off, size := findFile(name)
	if size < 0 {
		return -1
	}
	n := int64(len(buf))
	if n > size {
		n = size
	}
	copy(buf, disk[off:off+int(n)])
	return n
}
