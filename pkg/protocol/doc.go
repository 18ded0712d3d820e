// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package protocol implements the handshake between a server and a client and the framing used on all long-lived
// streams.
//
// Every message on a stream is one CBOR byte string whose content is the CBOR encoding of the message. An empty
// byte string is the sentinel.
//
// The handshake runs on the first bidirectional stream, opened by the client:
//
//	client -> server: user id
//	server -> client: ClientInfo
//	server -> client: ServerInfo
//	server -> client: uni stream "diffs", sentinel
//	server -> client: uni stream "stats", sentinel
//
// A client refuses a server of another Version before accepting any uni stream.
package protocol
