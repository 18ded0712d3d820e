// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package relay makes a server reachable through a third-party relay if it cannot accept direct connections.
//
// The server keeps a WebSocket control channel to the relay. Each message is a binary WebSocket message containing
// a CBOR array of a type code and the message's body. After registering, the relay allocates a public endpoint.
// For each player connecting to that endpoint, the relay sends an address and a token. The server dials the address
// via QUIC and sends the token as the first frame of a uni stream. From then on, the connection is served exactly
// like a direct one.
package relay
