// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// MaxFrameSize limits a single frame on a stream.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned for frames exceeding MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameWriter writes length-delimited frames, i.e., CBOR byte strings.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps an io.Writer, usually a QUIC send stream.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes one frame with one call to the underlying Writer.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	buff := new(bytes.Buffer)
	buff.Grow(len(payload) + 9)
	if err := cboring.WriteByteStringLen(uint64(len(payload)), buff); err != nil {
		return err
	}
	buff.Write(payload)

	_, err := buff.WriteTo(fw.w)
	return err
}

// WriteMessage serializes a message and writes it as one frame.
func (fw *FrameWriter) WriteMessage(msg cboring.CborMarshaler) error {
	buff := new(bytes.Buffer)
	if err := cboring.Marshal(msg, buff); err != nil {
		return fmt.Errorf("marshalling message failed: %w", err)
	}
	return fw.WriteFrame(buff.Bytes())
}

// FrameReader reads frames written by a FrameWriter.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps an io.Reader, usually a QUIC receive stream. The FrameReader buffers; the underlying reader
// must not be used afterwards.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame reads the next frame's payload.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	n, err := cboring.ReadByteStringLen(fr.r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadMessage reads the next frame and deserializes it into msg.
func (fr *FrameReader) ReadMessage(msg cboring.CborMarshaler) error {
	payload, err := fr.ReadFrame()
	if err != nil {
		return err
	}
	if err := cboring.Unmarshal(msg, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("unmarshalling message failed: %w", err)
	}
	return nil
}
