// Package avi writes Motion-JPEG AVI (RIFF) containers.
//
// Layout:
//
//	RIFF 'AVI '
//	  LIST 'hdrl'
//	    'avih' main header
//	    LIST 'strl'
//	      'strh' stream header ('vids', 'MJPG')
//	      'strf' BITMAPINFOHEADER
//	  LIST 'movi'
//	    '00dc' frame ... (word aligned)
//	  'idx1' index
//
// Sizes and frame counts are unknown until Close, which patches them in place.
package avi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	avihSize = 56
	strhSize = 56
	strfSize = 40

	flagHasIndex = 0x10
	flagKeyFrame = 0x10
)

// Offsets of fields patched on Close.
const (
	offRIFFSize        = 4
	offAvihTotalFrames = 12 + 12 + 8 + 16 // RIFF hdr, LIST hdrl hdr, avih hdr, 4 dwords
	offStrhLength      = 12 + 12 + 8 + avihSize + 12 + 8 + 32
	headerLen          = 12 + 12 + 8 + avihSize + 12 + 8 + strhSize + 8 + strfSize
	offMoviSize        = headerLen + 4
	offMoviFourCC      = headerLen + 8
)

// ErrClosed is returned when writing to a finalized container.
var ErrClosed = errors.New("avi: writer closed")

type indexEntry struct {
	offset uint32
	size   uint32
}

// Writer muxes JPEG frames into an AVI container.
type Writer struct {
	w      io.WriteSeeker
	width  int
	height int
	fps    int

	pos    int64
	index  []indexEntry
	maxLen uint32
	closed bool
	err    error
}

// NewWriter writes the container header to w.
func NewWriter(w io.WriteSeeker, width, height, fps int) (*Writer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("avi: invalid frame size %dx%d", width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("avi: invalid frame rate %d", fps)
	}
	aw := &Writer{w: w, width: width, height: height, fps: fps}
	if err := aw.writeHeader(); err != nil {
		return nil, err
	}
	return aw, nil
}

// Frames returns how many frames were written.
func (aw *Writer) Frames() int { return len(aw.index) }

// Size returns the number of bytes written so far.
func (aw *Writer) Size() int64 { return aw.pos }

// Duration returns the playback duration of the frames written so far.
func (aw *Writer) Duration() time.Duration {
	return time.Duration(len(aw.index)) * time.Second / time.Duration(aw.fps)
}

// WriteFrame appends one JPEG-encoded frame.
func (aw *Writer) WriteFrame(jpeg []byte) error {
	if aw.closed {
		return ErrClosed
	}
	if aw.err != nil {
		return aw.err
	}
	offset := uint32(aw.pos - offMoviFourCC)
	size := uint32(len(jpeg))

	aw.fourCC("00dc")
	aw.u32(size)
	aw.write(jpeg)
	if size%2 == 1 {
		aw.write([]byte{0})
	}
	if aw.err != nil {
		return fmt.Errorf("avi: write frame: %w", aw.err)
	}
	aw.index = append(aw.index, indexEntry{offset: offset, size: size})
	if size > aw.maxLen {
		aw.maxLen = size
	}
	return nil
}

// Close writes the index and patches the header. The underlying writer is
// not closed. Close is idempotent.
func (aw *Writer) Close() error {
	if aw.closed {
		return nil
	}
	aw.closed = true
	if aw.err != nil {
		return fmt.Errorf("avi: finalize after write error: %w", aw.err)
	}

	moviEnd := aw.pos
	aw.fourCC("idx1")
	aw.u32(uint32(16 * len(aw.index)))
	for _, e := range aw.index {
		aw.fourCC("00dc")
		aw.u32(flagKeyFrame)
		aw.u32(e.offset)
		aw.u32(e.size)
	}
	end := aw.pos

	aw.patch(offRIFFSize, uint32(end-8))
	aw.patch(offAvihTotalFrames, uint32(len(aw.index)))
	aw.patch(offAvihTotalFrames+12, aw.maxLen)
	aw.patch(offStrhLength, uint32(len(aw.index)))
	aw.patch(offStrhLength+4, aw.maxLen)
	aw.patch(offMoviSize, uint32(moviEnd-offMoviSize-4))
	if aw.err == nil {
		_, aw.err = aw.w.Seek(end, io.SeekStart)
	}
	if aw.err != nil {
		return fmt.Errorf("avi: finalize: %w", aw.err)
	}
	return nil
}

func (aw *Writer) writeHeader() error {
	aw.fourCC("RIFF")
	aw.u32(0) // patched
	aw.fourCC("AVI ")

	aw.fourCC("LIST")
	aw.u32(uint32(4 + 8 + avihSize + 12 + 8 + strhSize + 8 + strfSize))
	aw.fourCC("hdrl")

	aw.fourCC("avih")
	aw.u32(avihSize)
	aw.u32(uint32(1000000 / aw.fps)) // microseconds per frame
	aw.u32(0)                        // max bytes per second
	aw.u32(0)                        // padding granularity
	aw.u32(flagHasIndex)
	aw.u32(0) // total frames, patched
	aw.u32(0) // initial frames
	aw.u32(1) // streams
	aw.u32(0) // suggested buffer size, patched
	aw.u32(uint32(aw.width))
	aw.u32(uint32(aw.height))
	aw.write(make([]byte, 16)) // reserved

	aw.fourCC("LIST")
	aw.u32(uint32(4 + 8 + strhSize + 8 + strfSize))
	aw.fourCC("strl")

	aw.fourCC("strh")
	aw.u32(strhSize)
	aw.fourCC("vids")
	aw.fourCC("MJPG")
	aw.u32(0) // flags
	aw.u16(0) // priority
	aw.u16(0) // language
	aw.u32(0) // initial frames
	aw.u32(1) // scale
	aw.u32(uint32(aw.fps))
	aw.u32(0) // start
	aw.u32(0) // length, patched
	aw.u32(0) // suggested buffer size, patched
	aw.u32(0xFFFFFFFF)
	aw.u32(0) // sample size
	aw.u16(0)
	aw.u16(0)
	aw.u16(uint16(aw.width))
	aw.u16(uint16(aw.height))

	aw.fourCC("strf")
	aw.u32(strfSize)
	aw.u32(strfSize)
	aw.u32(uint32(aw.width))
	aw.u32(uint32(aw.height))
	aw.u16(1)  // planes
	aw.u16(24) // bit count
	aw.fourCC("MJPG")
	aw.u32(uint32(aw.width * aw.height * 3))
	aw.write(make([]byte, 16)) // resolution and palette

	aw.fourCC("LIST")
	aw.u32(0) // patched
	aw.fourCC("movi")

	if aw.err != nil {
		return fmt.Errorf("avi: write header: %w", aw.err)
	}
	return nil
}

func (aw *Writer) write(p []byte) {
	if aw.err != nil {
		return
	}
	n, err := aw.w.Write(p)
	aw.pos += int64(n)
	aw.err = err
}

func (aw *Writer) fourCC(s string) { aw.write([]byte(s)) }

func (aw *Writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	aw.write(b[:])
}

func (aw *Writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	aw.write(b[:])
}

func (aw *Writer) patch(offset int64, v uint32) {
	if aw.err != nil {
		return
	}
	if _, err := aw.w.Seek(offset, io.SeekStart); err != nil {
		aw.err = err
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, aw.err = aw.w.Write(b[:])
}
