// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/protocol"
	"github.com/worldsync/worldsync-go/pkg/transport"
)

// preCacheSubdirs are requested from the relay after allocation if PreCacheAssets is set.
var preCacheSubdirs = []string{"assets", "client"}

const dialTimeout = 10 * time.Second

// AllocatedEndpoint is the relay's answer to a registration.
type AllocatedEndpoint struct {
	ID                string
	AllocatedEndpoint string
	ExternalEndpoint  string

	// AssetsRoot is the relayed content base URL.
	AssetsRoot string
}

// Config of a relay Client.
type Config struct {
	// Endpoint is the relay's WebSocket URL, e.g., "wss://relay.example.com/servers".
	Endpoint string

	ProjectID  string
	UserAgent  string
	AssetsRoot string

	PreCacheAssets bool
}

// Callbacks connect the relay to the server.
type Callbacks struct {
	// OnEndpointAllocated is called once the relay allocated a reachable endpoint.
	OnEndpointAllocated func(AllocatedEndpoint)

	// OnPlayerConnected is called for every claimed connection, which is then treated like a direct one.
	OnPlayerConnected func(playerID string, conn transport.Conn)
}

// Client keeps the control channel to a relay. All failures are logged; the server keeps its direct connectivity.
type Client struct {
	sync.Mutex

	conf Config
	cb   Callbacks
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Start connecting to the relay in the background.
func Start(ctx context.Context, conf Config, cb Callbacks) *Client {
	ctx, cancel := context.WithCancel(ctx)
	client := &Client{
		conf:   conf,
		cb:     cb,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go client.run()
	return client
}

// Done is closed when the control channel was terminated.
func (client *Client) Done() <-chan struct{} {
	return client.done
}

// Close the control channel.
func (client *Client) Close() error {
	client.cancel()
	<-client.done
	return nil
}

func (client *Client) run() {
	defer close(client.done)

	logger := log.WithField("relay", client.conf.Endpoint)

	conn, _, err := websocket.DefaultDialer.DialContext(client.ctx, client.conf.Endpoint, nil)
	if err != nil {
		logger.WithError(err).Warn("Failed to connect to relay, continuing without external connectivity")
		return
	}

	client.Lock()
	client.conn = conn
	client.Unlock()

	go func() {
		<-client.ctx.Done()
		_ = conn.Close()
	}()

	register := &registerMessage{
		projectID:  client.conf.ProjectID,
		userAgent:  client.conf.UserAgent,
		assetsRoot: client.conf.AssetsRoot,
	}
	if err := client.writeMessage(register); err != nil {
		logger.WithError(err).Warn("Failed to register at relay, continuing without external connectivity")
		return
	}

	client.handleConn(logger)
}

func (client *Client) handleConn(logger *log.Entry) {
	for {
		messageType, reader, err := client.conn.NextReader()
		if err != nil {
			if client.ctx.Err() != nil {
				logger.Debug("Relay connection was closed")
			} else {
				logger.WithError(err).Warn("Relay connection errored")
			}
			return
		} else if messageType != websocket.BinaryMessage {
			logger.WithField("message type", messageType).Warn("Relay message is not binary")
			return
		}

		msg, err := unmarshalMessage(reader)
		if err != nil {
			logger.WithError(err).Warn("Unmarshal relay message errored")
			return
		}

		switch msg := msg.(type) {
		case *statusMessage:
			if err := msg.err(); err != nil {
				logger.WithError(err).Warn("Relay reported an error")
			}

		case *allocatedMessage:
			client.handleAllocated(logger, msg.endpoint)

		case *playerConnectedMessage:
			go client.claimPlayer(msg)

		default:
			logger.WithField("message", msg).Info("Received unsupported relay message")
		}
	}
}

func (client *Client) handleAllocated(logger *log.Entry, ep AllocatedEndpoint) {
	logger.WithFields(log.Fields{
		"id":       ep.ID,
		"endpoint": ep.ExternalEndpoint,
		"assets":   ep.AssetsRoot,
	}).Info("Relay allocated an endpoint")

	if client.cb.OnEndpointAllocated != nil {
		client.cb.OnEndpointAllocated(ep)
	}

	if !client.conf.PreCacheAssets {
		return
	}
	for _, subdir := range preCacheSubdirs {
		if err := client.writeMessage(&preCacheMessage{subdir: subdir}); err != nil {
			logger.WithError(err).Warn("Failed to request pre-caching of assets")
			return
		}
	}
}

// claimPlayer dials the relay's address for a player and claims the connection with its token on a uni stream.
func (client *Client) claimPlayer(msg *playerConnectedMessage) {
	logger := log.WithFields(log.Fields{
		"relay":   client.conf.Endpoint,
		"player":  msg.playerID,
		"address": msg.address,
	})

	ctx, cancel := context.WithTimeout(client.ctx, dialTimeout)
	defer cancel()

	conn, err := transport.Dial(ctx, msg.address)
	if err != nil {
		logger.WithError(err).Warn("Failed to dial relayed player")
		return
	}

	if err := claim(ctx, conn, msg.token); err != nil {
		logger.WithError(err).Warn("Failed to claim relayed player")
		_ = conn.CloseWithError(transport.ConnectionError, "claim failed")
		return
	}

	logger.Debug("Claimed relayed player")
	if client.cb.OnPlayerConnected != nil {
		client.cb.OnPlayerConnected(msg.playerID, conn)
	}
}

func claim(ctx context.Context, conn transport.Conn, token []byte) error {
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	if err := protocol.NewFrameWriter(stream).WriteFrame(token); err != nil {
		stream.CancelWrite(transport.StreamTransmissionError)
		return fmt.Errorf("sending token: %w", err)
	}
	return stream.Close()
}

func (client *Client) writeMessage(msg message) error {
	client.Lock()
	defer client.Unlock()

	wc, err := client.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if err := marshalMessage(msg, wc); err != nil {
		return err
	}
	return wc.Close()
}
