package ramdisk

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/golang/snappy"
)

func makeArchive(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for name, data := range files {
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatUSTAR,
		}
		if err := w.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestFindAndRead(t *testing.T) {
	img := makeArchive(t, map[string][]byte{
		"lumen":    bytes.Repeat([]byte{0xAB}, 1000),
		"etc/motd": []byte("welcome\n"),
	})
	if err := Init(img); err != nil {
		t.Fatal(err)
	}

	if got := FileSize("lumen"); got != 1000 {
		t.Fatalf("FileSize = %d, want 1000", got)
	}
	if got := FileSize("etc/motd"); got != 8 {
		t.Fatalf("FileSize = %d, want 8", got)
	}
	if got := FileSize("missing"); got != -1 {
		t.Fatalf("FileSize(missing) = %d, want -1", got)
	}

	data := ReadFile("etc/motd")
	if string(data) != "welcome\n" {
		t.Fatalf("ReadFile = %q", data)
	}

	buf := make([]byte, 100)
	if n := Read("lumen", buf); n != 100 {
		t.Fatalf("partial Read = %d, want 100", n)
	}
	if buf[0] != 0xAB || buf[99] != 0xAB {
		t.Fatal("payload corrupted")
	}
	if n := Read("missing", buf); n != -1 {
		t.Fatalf("Read(missing) = %d, want -1", n)
	}
}

func TestTinyFileBoundary(t *testing.T) {
	img := makeArchive(t, map[string][]byte{"lumen": []byte("123456789")})
	if err := Init(img); err != nil {
		t.Fatal(err)
	}
	// nine bytes exactly; the boot path treats anything this small as absent
	if got := FileSize("lumen"); got != 9 {
		t.Fatalf("FileSize = %d, want 9", got)
	}
}

func TestSnappyArchive(t *testing.T) {
	plain := makeArchive(t, map[string][]byte{"lumen": bytes.Repeat([]byte("lux!"), 4096)})

	var packed bytes.Buffer
	w := snappy.NewBufferedWriter(&packed)
	if _, err := w.Write(plain); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if err := Init(packed.Bytes()); err != nil {
		t.Fatal(err)
	}
	if got := FileSize("lumen"); got != 4*4096 {
		t.Fatalf("FileSize = %d through snappy, want %d", got, 4*4096)
	}
}

func TestEmptyDisk(t *testing.T) {
	if err := Init(nil); err != nil {
		t.Fatal(err)
	}
	if got := FileSize("lumen"); got != -1 {
		t.Fatalf("FileSize on empty disk = %d", got)
	}
}
