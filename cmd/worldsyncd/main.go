// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// worldsyncd is the synchronization server daemon.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/content"
	"github.com/worldsync/worldsync-go/pkg/discovery"
	"github.com/worldsync/worldsync-go/pkg/server"
	"github.com/worldsync/worldsync-go/pkg/storage"
	"github.com/worldsync/worldsync-go/pkg/world"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

// daemon bundles the server with its optional services.
type daemon struct {
	conf daemonConf

	registry  *server.Registry
	server    *server.Server
	store     *storage.Store
	content   *content.Server
	discovery *discovery.Manager
}

// newDaemon restores snapshots and starts all configured services except the server loop itself.
func newDaemon(conf daemonConf) (d *daemon, err error) {
	d = &daemon{
		conf:     conf,
		registry: server.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = d.close()
			d = nil
		}
	}()

	mainWorld := world.NewMemory(server.MainInstance)
	if conf.storeDir != "" {
		if d.store, err = storage.NewStore(conf.storeDir); err != nil {
			return
		}
		if _, err = d.store.Restore(server.MainInstance, mainWorld); err != nil {
			return
		}
	}
	if err = d.registry.AddInstance(server.NewInstance(server.MainInstance, mainWorld)); err != nil {
		return
	}

	if conf.content.Listen != "" {
		if d.content, err = content.Listen(conf.content.Listen, conf.content.Dir, d.status); err != nil {
			return
		}
		if conf.content.Dir != "" && conf.content.Host != "" {
			conf.server.ServerInfo.ContentBaseURL = d.content.BaseURL(conf.content.Host)
		}
	}

	d.conf = conf
	if d.server, err = server.New(conf.server, d.registry); err != nil {
		return
	}

	if conf.discovery.IPv4 || conf.discovery.IPv6 {
		announcement := discovery.Announcement{
			ProjectName: conf.server.ServerInfo.ProjectName,
			Version:     conf.server.ServerInfo.Version,
			Port:        uint(d.server.Port()),
		}
		interval := time.Duration(conf.discovery.Interval) * time.Second
		if d.discovery, err = discovery.NewManager(announcement, interval, conf.discovery.IPv4, conf.discovery.IPv6); err != nil {
			return
		}
	}

	return
}

func (d *daemon) status() content.Status {
	info := d.conf.server.ServerInfo
	if d.server != nil {
		info = d.server.ServerInfo()
	}
	return content.Status{
		Project:   info.ProjectName,
		Version:   info.Version,
		Players:   d.registry.PlayerCount(),
		Instances: d.registry.Instances(),
	}
}

// saveSnapshots stores every instance's world.
func (d *daemon) saveSnapshots() (errs error) {
	if d.store == nil {
		return nil
	}

	for _, id := range d.registry.Instances() {
		err := d.registry.WithInstance(id, func(w world.World) error {
			_, err := d.store.Save(id, w)
			return err
		})
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return
}

// close stops all services started by newDaemon.
func (d *daemon) close() (errs error) {
	if d.discovery != nil {
		d.discovery.Close()
	}
	if d.content != nil {
		if err := d.content.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return
}

// run serves until SIGINT or inactivity, then stores snapshots and closes everything.
func (d *daemon) run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		waitSigint()
		log.Info("Shutting down..")
		cancel()
	}()

	var errs error
	if err := d.server.Run(ctx); errors.Is(err, server.ErrInactive) {
		log.Info("Server stopped after inactivity")
	} else if err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := d.saveSnapshots(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := d.close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	d, err := newDaemon(conf)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to start")
	}

	log.WithFields(log.Fields{
		"address": d.server.Addr(),
		"info":    d.server.ServerInfo(),
	}).Info("worldsyncd started")

	if err := d.run(); err != nil {
		log.WithError(err).Fatal("Shutdown failed")
	}
}
