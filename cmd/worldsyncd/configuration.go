// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/protocol"
	"github.com/worldsync/worldsync-go/pkg/relay"
	"github.com/worldsync/worldsync-go/pkg/server"
	"github.com/worldsync/worldsync-go/pkg/transport"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core       coreConf
	Logging    logConf
	Listen     listenConf
	Tick       tickConf
	Inactivity inactivityConf
	Queue      queueConf
	Relay      relayConf
	Content    contentConf
	Discovery  discoveryConf
	Storage    storageConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	ProjectName      string `toml:"project-name"`
	ContentBaseURL   string `toml:"content-base-url"`
	HandshakeTimeout string `toml:"handshake-timeout"`
	Components       []componentConf
}

// componentConf describes an external component announced within the handshake.
type componentConf struct {
	Name string
	Type string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// listenConf describes the QUIC listener. Either address or host and port-range are used.
// A self-signed certificate is generated without certificate and key files.
type listenConf struct {
	Address     string
	Host        string
	PortRange   string `toml:"port-range"`
	Certificate string
	Key         string
}

type tickConf struct {
	Interval string
}

type inactivityConf struct {
	Threshold string
	Interval  string
}

type queueConf struct {
	Diffs int
	Stats int
}

// relayConf describes the optional relay; it is disabled without an endpoint.
type relayConf struct {
	Endpoint       string
	ProjectID      string `toml:"project-id"`
	UserAgent      string `toml:"user-agent"`
	AssetsRoot     string `toml:"assets-root"`
	PreCacheAssets bool   `toml:"pre-cache-assets"`
}

// contentConf describes the HTTP content and status server; it is disabled without listen.
type contentConf struct {
	Listen string
	Dir    string
	Host   string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// storageConf describes the snapshot store; snapshots are disabled without a dir.
type storageConf struct {
	Dir string
}

// daemonConf is the parsed configuration.
type daemonConf struct {
	server    server.Config
	content   contentConf
	discovery discoveryConf
	storeDir  string
}

// parseDuration parses a non-empty duration string; an empty string results in the fallback.
func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %v", field, d)
	}
	return d, nil
}

// parsePortRange parses the inclusive range "from-to".
func parsePortRange(value string) (from, to uint16, err error) {
	parts := strings.SplitN(value, "-", 2)
	if len(parts) != 2 {
		err = fmt.Errorf("port range %q is not of the form \"from-to\"", value)
		return
	}

	var bounds [2]uint16
	for i, part := range parts {
		n, nErr := strconv.ParseUint(strings.TrimSpace(part), 10, 16)
		if nErr != nil {
			err = fmt.Errorf("port range %q: %w", value, nErr)
			return
		}
		bounds[i] = uint16(n)
	}

	from, to = bounds[0], bounds[1]
	if from == 0 || to < from {
		err = fmt.Errorf("port range %q is empty", value)
	}
	return
}

// configureLogging applies the logging block to the standard logger.
func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseConfig decodes a TOML file, configures logging and validates all blocks. Every invalid field is reported.
func parseConfig(filename string) (conf daemonConf, err error) {
	var tc tomlConfig
	if _, err = toml.DecodeFile(filename, &tc); err != nil {
		return
	}
	return buildConfig(tc)
}

func buildConfig(tc tomlConfig) (conf daemonConf, err error) {
	configureLogging(tc.Logging)

	var errs error
	addErr := func(e error) {
		if e != nil {
			errs = multierror.Append(errs, e)
		}
	}

	// Core
	info := protocol.DefaultServerInfo()
	if tc.Core.ProjectName != "" {
		info.ProjectName = tc.Core.ProjectName
	}
	if tc.Core.ContentBaseURL != "" {
		info.ContentBaseURL = tc.Core.ContentBaseURL
	}
	addErr(info.CheckValid())
	conf.server.ServerInfo = info

	for _, comp := range tc.Core.Components {
		if comp.Name == "" {
			addErr(fmt.Errorf("core.components: empty name"))
			continue
		}
		conf.server.Components = append(conf.server.Components, protocol.ExternalComponent{Name: comp.Name, Type: comp.Type})
	}

	var dErr error
	conf.server.HandshakeTimeout, dErr = parseDuration("core.handshake-timeout", tc.Core.HandshakeTimeout, protocol.DefaultHandshakeTimeout)
	addErr(dErr)

	// Listen
	switch {
	case tc.Listen.PortRange != "":
		from, to, prErr := parsePortRange(tc.Listen.PortRange)
		addErr(prErr)
		conf.server.ListenHost = tc.Listen.Host
		if to < 0xFFFF {
			to++
		}
		conf.server.PortFrom, conf.server.PortTo = from, to
	case tc.Listen.Address != "":
		conf.server.ListenAddress = tc.Listen.Address
	default:
		addErr(fmt.Errorf("listen: either address or port-range must be set"))
	}

	if tc.Listen.Certificate != "" || tc.Listen.Key != "" {
		tlsConf, tlsErr := transport.LoadListenerTLSConfig(tc.Listen.Certificate, tc.Listen.Key)
		addErr(tlsErr)
		conf.server.TLS = tlsConf
	}

	// Tick and inactivity
	conf.server.TickInterval, dErr = parseDuration("tick.interval", tc.Tick.Interval, server.DefaultTickInterval)
	addErr(dErr)
	conf.server.InactivityThreshold, dErr = parseDuration("inactivity.threshold", tc.Inactivity.Threshold, server.DefaultInactivityThreshold)
	addErr(dErr)
	conf.server.InactivityInterval, dErr = parseDuration("inactivity.interval", tc.Inactivity.Interval, server.DefaultInactivityInterval)
	addErr(dErr)

	// Queues
	if tc.Queue.Diffs < 0 || tc.Queue.Stats < 0 {
		addErr(fmt.Errorf("queue: negative sizes"))
	}
	conf.server.DiffQueue = tc.Queue.Diffs
	conf.server.StatQueue = tc.Queue.Stats

	// Relay
	if tc.Relay.Endpoint != "" {
		if tc.Relay.ProjectID == "" {
			addErr(fmt.Errorf("relay.project-id is empty"))
		}
		userAgent := tc.Relay.UserAgent
		if userAgent == "" {
			userAgent = fmt.Sprintf("worldsyncd/%s", protocol.Version)
		}
		conf.server.Relay = &relay.Config{
			Endpoint:       tc.Relay.Endpoint,
			ProjectID:      tc.Relay.ProjectID,
			UserAgent:      userAgent,
			AssetsRoot:     tc.Relay.AssetsRoot,
			PreCacheAssets: tc.Relay.PreCacheAssets,
		}
	}

	// Content
	conf.content = tc.Content
	if conf.content.Dir != "" && conf.content.Listen == "" {
		addErr(fmt.Errorf("content.dir is set, but content.listen is empty"))
	}

	// Discovery
	conf.discovery = tc.Discovery
	if conf.discovery.Interval == 0 {
		conf.discovery.Interval = 10
	}

	// Storage
	conf.storeDir = tc.Storage.Dir

	err = errs
	return
}
