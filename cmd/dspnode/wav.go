package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// wavWriter streams 32-bit float PCM. Chunk sizes are patched in at the
// end, so the destination must be seekable.
type wavWriter struct {
	w        io.WriteSeeker
	channels int
	frames   int
}

func newWAVWriter(w io.WriteSeeker, channels, sampleRate int) (*wavWriter, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("wav: need at least one channel")
	}

	var hdr [44]byte
	copy(hdr[0:], "RIFF")
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16)
	binary.LittleEndian.PutUint16(hdr[20:], 3) // IEEE float
	binary.LittleEndian.PutUint16(hdr[22:], uint16(channels))
	binary.LittleEndian.PutUint32(hdr[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:], uint32(sampleRate*channels*4))
	binary.LittleEndian.PutUint16(hdr[32:], uint16(channels*4))
	binary.LittleEndian.PutUint16(hdr[34:], 32)
	copy(hdr[36:], "data")

	if _, err := w.Write(hdr[:]); err != nil {
		return nil, err
	}
	return &wavWriter{w: w, channels: channels}, nil
}

// writeBlock interleaves per-channel planes into the data chunk.
func (ww *wavWriter) writeBlock(planes [][]float32, nframes int) error {
	buf := make([]byte, nframes*ww.channels*4)
	for n := 0; n < nframes; n++ {
		for ch := 0; ch < ww.channels; ch++ {
			v := planes[ch][n]
			off := (n*ww.channels + ch) * 4
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		}
	}
	if _, err := ww.w.Write(buf); err != nil {
		return err
	}
	ww.frames += nframes
	return nil
}

// finish patches the RIFF and data chunk sizes.
func (ww *wavWriter) finish() error {
	dataSize := uint32(ww.frames * ww.channels * 4)

	if _, err := ww.w.Seek(4, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(ww.w, binary.LittleEndian, 36+dataSize); err != nil {
		return err
	}
	if _, err := ww.w.Seek(40, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(ww.w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	_, err := ww.w.Seek(0, io.SeekEnd)
	return err
}
