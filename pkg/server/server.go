// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/protocol"
	"github.com/worldsync/worldsync-go/pkg/relay"
	"github.com/worldsync/worldsync-go/pkg/session"
	"github.com/worldsync/worldsync-go/pkg/stats"
	"github.com/worldsync/worldsync-go/pkg/transport"
)

// DefaultTickInterval results in 60 ticks per second.
const DefaultTickInterval = time.Second / 60

// ErrInactive is returned by Run after a shutdown caused by the inactivity check.
var ErrInactive = errors.New("server was inactive")

// Config of a Server.
type Config struct {
	// ListenAddress is a UDP address like ":9000". It is ignored if PortFrom and PortTo describe a range.
	ListenAddress string

	// ListenHost, PortFrom and PortTo bind the first free port of [PortFrom, PortTo).
	ListenHost string
	PortFrom   uint16
	PortTo     uint16

	// TLS configuration of the listener. A self-signed certificate is generated if nil.
	TLS *tls.Config

	ServerInfo       protocol.ServerInfo
	Components       []protocol.ExternalComponent
	HandshakeTimeout time.Duration

	TickInterval time.Duration

	// InactivityThreshold shuts down a server without players; zero disables the check.
	InactivityThreshold time.Duration
	InactivityInterval  time.Duration

	DiffQueue int
	StatQueue int

	// Relay is optional.
	Relay *relay.Config
}

func (conf *Config) setDefaults() {
	if conf.ServerInfo == (protocol.ServerInfo{}) {
		conf.ServerInfo = protocol.DefaultServerInfo()
	}
	if conf.TickInterval <= 0 {
		conf.TickInterval = DefaultTickInterval
	}
	if conf.InactivityInterval <= 0 {
		conf.InactivityInterval = DefaultInactivityInterval
	}
	if conf.HandshakeTimeout <= 0 {
		conf.HandshakeTimeout = protocol.DefaultHandshakeTimeout
	}
}

// Server accepts connections, drives the tick loop and shuts itself down after a period of inactivity.
type Server struct {
	conf     Config
	registry *Registry
	listener *transport.Listener

	sessionConf *session.Config
	inactivity  *InactivityMonitor

	// contentBaseURL may be overwritten by a relay.
	contentBaseURL string
	contentMutex   sync.RWMutex

	ctx           context.Context
	cancel        context.CancelCauseFunc
	sessions      sync.WaitGroup
	sessionsMutex sync.Mutex
}

// New creates a Server for a Registry and binds its listener.
func New(conf Config, registry *Registry) (*Server, error) {
	conf.setDefaults()
	if err := conf.ServerInfo.CheckValid(); err != nil {
		return nil, err
	}

	tlsConf := conf.TLS
	if tlsConf == nil {
		var err error
		if tlsConf, err = transport.GenerateListenerTLSConfig(); err != nil {
			return nil, fmt.Errorf("generating TLS config: %w", err)
		}
	}

	var (
		listener *transport.Listener
		err      error
	)
	if conf.PortFrom != 0 && conf.PortTo > conf.PortFrom {
		listener, err = transport.ListenRange(conf.ListenHost, conf.PortFrom, conf.PortTo, tlsConf)
	} else {
		listener, err = transport.Listen(conf.ListenAddress, tlsConf)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Server{
		conf:           conf,
		registry:       registry,
		listener:       listener,
		inactivity:     NewInactivityMonitor(conf.InactivityThreshold, time.Now()),
		contentBaseURL: conf.ServerInfo.ContentBaseURL,
		ctx:            ctx,
		cancel:         cancel,
	}
	s.sessionConf = &session.Config{
		ServerInfo:       s.ServerInfo,
		Components:       conf.Components,
		HandshakeTimeout: conf.HandshakeTimeout,
		DiffQueue:        conf.DiffQueue,
		StatQueue:        conf.StatQueue,
		Resolver:         registry,
		OnInit:           s.onInit,
		OnDisconnect:     s.onDisconnect,
	}
	return s, nil
}

// Registry of this Server.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr is the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port is the listener's bound port.
func (s *Server) Port() int {
	return s.listener.Port()
}

// ServerInfo as currently sent to clients.
func (s *Server) ServerInfo() protocol.ServerInfo {
	s.contentMutex.RLock()
	defer s.contentMutex.RUnlock()

	info := s.conf.ServerInfo
	info.ContentBaseURL = s.contentBaseURL
	return info
}

// SetContentBaseURL overwrites the content base URL for future handshakes.
func (s *Server) SetContentBaseURL(url string) {
	s.contentMutex.Lock()
	defer s.contentMutex.Unlock()

	log.WithField("url", url).Info("Changed content base url")
	s.contentBaseURL = url
}

// HandleConn serves a connection in a new goroutine. It is used for direct and relayed connections alike.
func (s *Server) HandleConn(conn transport.Conn) {
	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	if s.ctx.Err() != nil {
		_ = conn.CloseWithError(transport.ApplicationShutdown, "server shutting down")
		return
	}

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()

		sess := session.New(ksuid.New().String(), conn, s.sessionConf)
		err := sess.Run(s.ctx)
		logSessionEnd(sess, err)
	}()
}

func (s *Server) onInit(sess *session.Session) error {
	_, err := s.registry.Join(JoinRequest{
		UserID:       sess.UserID(),
		ConnectionID: sess.ID(),
		Outbox:       sess.Outbox(),
		Conn:         sess.Conn(),
		Cancel:       sess.Cancel,
	})
	if err == nil {
		s.inactivity.Reset(time.Now())
	}
	return err
}

func (s *Server) onDisconnect(sess *session.Session) {
	s.registry.Leave(sess.UserID(), sess.ID())
}

// logSessionEnd classifies why a session ended. Regular terminations are no errors.
func logSessionEnd(sess *session.Session, err error) {
	logger := log.WithFields(log.Fields{
		"session": sess.ID(),
		"user":    sess.UserID(),
		"peer":    sess.Conn().RemoteAddr(),
	})

	var herr *protocol.HandshakeError
	switch {
	case err == nil:
		logger.Debug("Session ended")
	case errors.Is(err, session.ErrSuperseded):
		logger.Info("Session was superseded by a reconnection")
	case errors.Is(err, session.ErrShutdown), transport.IsClosed(err):
		logger.WithField("reason", err).Info("Session ended")
	case errors.As(err, &herr):
		logger.WithFields(log.Fields{
			"error":    herr,
			"internal": herr.Unwrap(),
		}).Warn("Handshake failure")
	default:
		logger.WithError(err).Warn("Session terminated by an error")
	}
}

// Run serves until ctx is canceled or the server was inactive for too long. Afterwards, every instance's shutdown
// logic has run and all sessions are terminated.
func (s *Server) Run(ctx context.Context) error {
	go s.listener.Serve(s.HandleConn)

	var relayClient *relay.Client
	if s.conf.Relay != nil {
		relayClient = relay.Start(s.ctx, *s.conf.Relay, relay.Callbacks{
			OnEndpointAllocated: func(ep relay.AllocatedEndpoint) {
				if ep.AssetsRoot != "" {
					s.SetContentBaseURL(ep.AssetsRoot)
				}
			},
			OnPlayerConnected: func(playerID string, conn transport.Conn) {
				log.WithField("player", playerID).Debug("Serving relayed connection")
				s.HandleConn(conn)
			},
		})
	}

	inactive := make(chan struct{})
	var inactiveOnce sync.Once

	resolution := time.Second
	if s.conf.InactivityInterval < resolution {
		resolution = s.conf.InactivityInterval
	}
	cron := NewCron(resolution)
	if s.conf.InactivityThreshold > 0 {
		if err := cron.Register("inactivity", func(now time.Time) {
			if s.inactivity.Observe(s.registry.PlayerCount(), now) {
				inactiveOnce.Do(func() {
					log.WithField("last active", s.inactivity.LastActive()).Info("No players for too long, shutting down")
					close(inactive)
				})
			}
		}, s.conf.InactivityInterval); err != nil {
			cron.Stop()
			return err
		}
	}

	ticker := time.NewTicker(s.conf.TickInterval)
	fps := stats.NewFpsCounter()
	lastTick := time.Now()

	var reason error
loop:
	for {
		select {
		case now := <-ticker.C:
			s.registry.Tick(now.Sub(lastTick), fps)
			lastTick = now

		case <-inactive:
			reason = ErrInactive
			break loop

		case <-ctx.Done():
			break loop
		}
	}

	ticker.Stop()
	cron.Stop()

	s.registry.Shutdown()

	s.sessionsMutex.Lock()
	s.cancel(session.ErrShutdown)
	s.sessionsMutex.Unlock()

	var errs error
	if err := s.listener.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if relayClient != nil {
		if err := relayClient.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	s.sessions.Wait()
	log.Info("Server stopped")

	if errs != nil {
		return errs
	}
	return reason
}
