// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package content serves static client content and a JSON status page over HTTP.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// PathPrefix is the URL path below which the content directory is served.
const PathPrefix = "/content/"

// Status is the /status response.
type Status struct {
	Project   string   `json:"project"`
	Version   string   `json:"version"`
	Players   int      `json:"players"`
	Instances []string `json:"instances"`
}

// StatusFunc creates the current Status on each request.
type StatusFunc func() Status

// Server is a HTTP server for the content directory and the status.
type Server struct {
	router   *mux.Router
	listener net.Listener
	serv     *http.Server
}

// NewRouter registers the content and status routes on a new router. An empty dir disables content serving.
func NewRouter(dir string, status StatusFunc) *mux.Router {
	r := mux.NewRouter()

	if dir != "" {
		r.PathPrefix(PathPrefix).Handler(http.StripPrefix(PathPrefix, http.FileServer(http.Dir(dir)))).
			Methods(http.MethodGet, http.MethodHead)
	}
	r.HandleFunc("/status", handleStatus(status)).Methods(http.MethodGet)

	return r
}

func handleStatus(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			log.WithError(err).Warn("Failed to write status response")
		}
	}
}

// Listen binds addr and starts serving in the background.
func Listen(addr, dir string, status StatusFunc) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:   NewRouter(dir, status),
		listener: listener,
	}
	s.serv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(log.Fields{
		"address": listener.Addr(),
		"dir":     dir,
	}).Info("Content server listening")

	go func() {
		if err := s.serv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("Content server failed")
		}
	}()
	return s, nil
}

// Addr of the bound listener.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// BaseURL is the URL clients use as the content base, e.g., "http://10.0.0.1:8999/content/".
func (s *Server) BaseURL(host string) string {
	_, port, _ := net.SplitHostPort(s.Addr().String())
	return "http://" + net.JoinHostPort(host, port) + PathPrefix
}

// Close shuts the server down, waiting a short time for open requests.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.serv.Shutdown(ctx)
}
