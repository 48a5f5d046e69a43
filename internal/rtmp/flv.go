package rtmp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FLV tag types
const (
	TagAudio  byte = 8
	TagVideo  byte = 9
	TagScript byte = 18
)

const (
	flvHeaderSize = 9
	tagHeaderSize = 11
	maxTagData    = 1<<24 - 1
)

// FLVWriter re-wraps RTMP message payloads as an FLV byte stream
type FLVWriter struct {
	w             io.Writer
	headerWritten bool
	hasAudio      bool
}

// NewFLVWriter creates a writer for a video-only stream, or audio and video
// when withAudio is set.
func NewFLVWriter(w io.Writer, withAudio bool) *FLVWriter {
	return &FLVWriter{w: w, hasAudio: withAudio}
}

// WriteHeader writes the file header and the zero PreviousTagSize
func (f *FLVWriter) WriteHeader() error {
	if f.headerWritten {
		return nil
	}
	flags := byte(0x01)
	if f.hasAudio {
		flags |= 0x04
	}

	hdr := make([]byte, flvHeaderSize+4)
	copy(hdr, "FLV")
	hdr[3] = 0x01
	hdr[4] = flags
	binary.BigEndian.PutUint32(hdr[5:9], flvHeaderSize)
	// hdr[9:13] is PreviousTagSize0, always zero

	if _, err := f.w.Write(hdr); err != nil {
		return err
	}
	f.headerWritten = true
	return nil
}

// WriteTag writes one tag followed by its PreviousTagSize
func (f *FLVWriter) WriteTag(tagType byte, timestamp uint32, data []byte) error {
	if len(data) > maxTagData {
		return fmt.Errorf("flv tag too large: %d bytes", len(data))
	}
	if err := f.WriteHeader(); err != nil {
		return err
	}

	buf := make([]byte, tagHeaderSize+len(data)+4)
	buf[0] = tagType
	putUint24(buf[1:4], uint32(len(data)))
	putUint24(buf[4:7], timestamp&0xFFFFFF)
	buf[7] = byte(timestamp >> 24)
	// buf[8:11] is the stream id, always zero
	copy(buf[tagHeaderSize:], data)
	binary.BigEndian.PutUint32(buf[tagHeaderSize+len(data):], uint32(tagHeaderSize+len(data)))

	_, err := f.w.Write(buf)
	return err
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}
