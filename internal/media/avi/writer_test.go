package avi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeClip(t *testing.T, frames [][]byte) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.avi")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w, err := NewWriter(f, 320, 240, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, fr := range frames {
		if err := w.WriteFrame(fr); err != nil {
			t.Fatal(err)
		}
	}
	if w.Duration() != time.Duration(len(frames))*100*time.Millisecond {
		t.Errorf("duration = %v", w.Duration())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := w.WriteFrame([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteFrame after Close = %v, want ErrClosed", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func u32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }

func TestWriter_HeaderAndIndex(t *testing.T) {
	frames := [][]byte{
		bytes.Repeat([]byte{0xAA}, 101), // odd size, padded
		bytes.Repeat([]byte{0xBB}, 64),
		bytes.Repeat([]byte{0xCC}, 80),
	}
	data := writeClip(t, frames)

	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "AVI " {
		t.Fatalf("bad RIFF header %q", data[:12])
	}
	if got := u32(data, offRIFFSize); int(got) != len(data)-8 {
		t.Errorf("RIFF size = %d, want %d", got, len(data)-8)
	}
	if got := u32(data, offAvihTotalFrames); got != 3 {
		t.Errorf("avih total frames = %d, want 3", got)
	}
	if got := u32(data, offStrhLength); got != 3 {
		t.Errorf("strh length = %d, want 3", got)
	}
	if got := u32(data, offAvihTotalFrames+12); got != 101 {
		t.Errorf("suggested buffer = %d, want 101", got)
	}
	if string(data[offMoviFourCC:offMoviFourCC+4]) != "movi" {
		t.Fatalf("movi list not at %d", offMoviFourCC)
	}

	moviSize := int(u32(data, offMoviSize))
	idx := offMoviFourCC + moviSize
	if string(data[idx:idx+4]) != "idx1" {
		t.Fatalf("idx1 not found at %d", idx)
	}
	if got := u32(data, idx+4); got != 16*3 {
		t.Errorf("idx1 size = %d, want 48", got)
	}

	// Each index entry points at a '00dc' chunk holding the frame bytes.
	for i, fr := range frames {
		entry := idx + 8 + 16*i
		off := offMoviFourCC + int(u32(data, entry+8))
		size := int(u32(data, entry+12))
		if string(data[off:off+4]) != "00dc" {
			t.Errorf("frame %d: chunk id %q", i, data[off:off+4])
		}
		if !bytes.Equal(data[off+8:off+8+size], fr) {
			t.Errorf("frame %d: payload mismatch", i)
		}
	}
}

func TestWriter_EmptyClipIsValid(t *testing.T) {
	data := writeClip(t, nil)
	if got := u32(data, offAvihTotalFrames); got != 0 {
		t.Errorf("total frames = %d, want 0", got)
	}
	if int(u32(data, offRIFFSize)) != len(data)-8 {
		t.Error("RIFF size not patched for empty clip")
	}
}

type failingSeeker struct {
	bytes.Buffer
	failAfter int
}

func (f *failingSeeker) Write(p []byte) (int, error) {
	if f.Len()+len(p) > f.failAfter {
		return 0, errors.New("disk full")
	}
	return f.Buffer.Write(p)
}

func (f *failingSeeker) Seek(int64, int) (int64, error) { return 0, nil }

func TestWriter_WriteErrorSurfacesOnClose(t *testing.T) {
	sink := &failingSeeker{failAfter: headerLen + 50}
	w, err := NewWriter(sink, 16, 16, 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFrame(make([]byte, 100)); err == nil {
		t.Fatal("expected write error")
	}
	if err := w.Close(); err == nil {
		t.Error("Close should report the earlier write error")
	}
}

func TestNewWriter_RejectsBadParams(t *testing.T) {
	if _, err := NewWriter(&failingSeeker{failAfter: 1 << 20}, 0, 10, 10); err == nil {
		t.Error("expected error for zero width")
	}
	if _, err := NewWriter(&failingSeeker{failAfter: 1 << 20}, 10, 10, 0); err == nil {
		t.Error("expected error for zero fps")
	}
}
