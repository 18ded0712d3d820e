// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"

	"github.com/worldsync/worldsync-go/pkg/transport"
)

// HeaderSize is the length of a handler id on the wire.
const HeaderSize = 4

// ErrShortDatagram is returned for datagrams without a complete handler id.
var ErrShortDatagram = errors.New("datagram is shorter than its header")

// WriteHeader writes a handler id as a big-endian uint32.
func WriteHeader(w io.Writer, id uint32) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[:], id)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads a handler id written by WriteHeader.
func ReadHeader(r io.Reader) (uint32, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// FrameDatagram prefixes a payload with its handler id.
func FrameDatagram(id uint32, payload []byte) []byte {
	data := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(data, id)
	copy(data[HeaderSize:], payload)
	return data
}

// SplitDatagram separates a datagram's handler id from its payload.
func SplitDatagram(data []byte) (uint32, []byte, error) {
	if len(data) < HeaderSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortDatagram, len(data))
	}
	return binary.BigEndian.Uint32(data), data[HeaderSize:], nil
}

// OpenBi opens an ad-hoc bidirectional stream for the handler id.
func OpenBi(ctx context.Context, conn transport.Conn, id uint32) (quic.Stream, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if err := WriteHeader(stream, id); err != nil {
		stream.CancelWrite(transport.StreamTransmissionError)
		stream.CancelRead(transport.StreamTransmissionError)
		return nil, err
	}
	return stream, nil
}

// OpenUni opens an ad-hoc unidirectional stream for the handler id.
func OpenUni(ctx context.Context, conn transport.Conn, id uint32) (quic.SendStream, error) {
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if err := WriteHeader(stream, id); err != nil {
		stream.CancelWrite(transport.StreamTransmissionError)
		return nil, err
	}
	return stream, nil
}

// SendDatagram sends an unreliable datagram for the handler id.
func SendDatagram(conn transport.Conn, id uint32, payload []byte) error {
	return conn.SendDatagram(FrameDatagram(id, payload))
}
