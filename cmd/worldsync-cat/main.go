// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// worldsync-cat connects to a server and prints the received diffs and stats.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/client"
	"github.com/worldsync/worldsync-go/pkg/discovery"
	"github.com/worldsync/worldsync-go/pkg/protocol"
	"github.com/worldsync/worldsync-go/pkg/world"
)

// printUsage of worldsync-cat and exit with an error code afterwards.
func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s user-id [address|discover]:\n\n", os.Args[0])

	_, _ = fmt.Fprintf(os.Stderr, "%s user-id address\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Connects as user-id to the server at address, e.g., localhost:9000, and prints\n")
	_, _ = fmt.Fprintf(os.Stderr, "  every received diff and performance sample.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s user-id discover\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Searches the local network for servers and connects to the first one.\n\n")

	os.Exit(1)
}

// discoverAddress waits for server announcements and picks the first compatible server.
func discoverAddress() (string, error) {
	servers, err := discovery.Find(3*time.Second, "", true, true)
	if err != nil {
		return "", err
	}

	for _, server := range servers {
		log.WithField("server", server).Info("Discovered server")
		if server.Version == protocol.Version {
			return server.Address, nil
		}
	}
	return "", fmt.Errorf("no server with version %s was found", protocol.Version)
}

func printDiffs(c *client.Client, mirror *client.Mirror) error {
	for {
		d, err := c.NextDiff()
		if err != nil {
			return err
		}
		if err := mirror.Apply(d); err != nil {
			return err
		}

		var entities int
		mirror.View(func(w *world.Memory) { entities = w.Len() })

		fmt.Printf("diff #%d: %d changes, %d entities\n", mirror.Diffs(), len(d.Changes), entities)
		for _, change := range d.Changes {
			fmt.Printf("  %v\n", change)
		}
	}
}

func printStats(c *client.Client) error {
	for {
		sample, err := c.NextStat()
		if err != nil {
			return err
		}
		fmt.Printf("stat: %v\n", sample)
	}
}

func main() {
	if len(os.Args) != 3 {
		printUsage()
	}

	userID, address := os.Args[1], os.Args[2]
	if address == "discover" {
		var err error
		if address, err = discoverAddress(); err != nil {
			log.WithError(err).Fatal("Discovery failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := client.Dial(ctx, address, userID)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("Connecting failed")
	}

	log.WithFields(log.Fields{
		"server":     c.ServerInfo(),
		"components": c.ClientInfo().ExternalComponents,
	}).Info("Connected")

	errs := make(chan error, 2)
	go func() { errs <- printDiffs(c, client.NewMirror()) }()
	go func() { errs <- printStats(c) }()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case err := <-errs:
		log.WithError(err).Warn("Connection terminated")
	case <-interrupt:
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("Closing failed")
		}
	}
}
