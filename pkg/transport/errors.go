// SPDX-FileCopyrightText: 2022 Markus Sommer
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import "github.com/quic-go/quic-go"

const (
	// NoError closes a connection without any fault, e.g., a client leaving.
	NoError quic.ApplicationErrorCode = 0
	// UnknownError is the catchall error code for things which were not foreseen.
	UnknownError quic.ApplicationErrorCode = 1
	// LocalError designates errors that happen on this machine (like failing to marshal a data structure).
	LocalError quic.ApplicationErrorCode = 2
	// ConnectionError designates errors in data transmission.
	ConnectionError quic.ApplicationErrorCode = 3
	// PeerError designates a misbehaving peer, e.g., one violating the handshake.
	PeerError quic.ApplicationErrorCode = 4
	// ApplicationShutdown is sent when the server shuts down and terminates its connections.
	ApplicationShutdown quic.ApplicationErrorCode = 5
	// VersionMismatch is sent by a client refusing a server of another version.
	VersionMismatch quic.ApplicationErrorCode = 6
	// Superseded closes a connection which was replaced by a reconnection of the same user.
	Superseded quic.ApplicationErrorCode = 7
	// BacklogExceeded closes a connection whose client does not keep up with its diffs.
	BacklogExceeded quic.ApplicationErrorCode = 8

	DataMarshalError        quic.StreamErrorCode = 1
	StreamTransmissionError quic.StreamErrorCode = 2
	// UnknownHandler cancels an ad-hoc stream whose handler id is not registered.
	UnknownHandler quic.StreamErrorCode = 3
)
