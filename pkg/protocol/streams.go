// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"time"

	"github.com/quic-go/quic-go"

	"github.com/worldsync/worldsync-go/pkg/transport"
)

// OutgoingStream is one of the long-lived server to client streams.
type OutgoingStream struct {
	stream quic.SendStream
	*FrameWriter
}

func newOutgoingStream(stream quic.SendStream) *OutgoingStream {
	return &OutgoingStream{
		stream:      stream,
		FrameWriter: NewFrameWriter(stream),
	}
}

// Close the stream gracefully.
func (out *OutgoingStream) Close() error {
	return out.stream.Close()
}

// SetWriteDeadline limits blocking writes, e.g., to a peer not reading anymore.
func (out *OutgoingStream) SetWriteDeadline(t time.Time) error {
	return out.stream.SetWriteDeadline(t)
}

// Cancel aborts the stream, e.g., after a failed write.
func (out *OutgoingStream) Cancel() {
	out.stream.CancelWrite(transport.StreamTransmissionError)
}

// IncomingStream is the client's end of a long-lived stream.
type IncomingStream struct {
	stream quic.ReceiveStream
	*FrameReader
}

func newIncomingStream(stream quic.ReceiveStream) *IncomingStream {
	return &IncomingStream{
		stream:      stream,
		FrameReader: NewFrameReader(stream),
	}
}

// Cancel stops reading from the stream.
func (in *IncomingStream) Cancel() {
	in.stream.CancelRead(transport.StreamTransmissionError)
}
