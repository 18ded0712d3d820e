// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"
)

// Server is a discovered server.
type Server struct {
	Announcement

	// Address is "host:port" of the server's QUIC listener.
	Address string
}

func (s Server) String() string {
	return fmt.Sprintf("Server(%s, %v)", s.Address, s.Announcement)
}

type multicastSet struct {
	active           bool
	multicastAddress string
	ipVersion        peerdiscovery.IPVersion
}

func multicastSets(ipv4, ipv6 bool) []multicastSet {
	return []multicastSet{
		{ipv4, address4, peerdiscovery.IPv4},
		{ipv6, address6, peerdiscovery.IPv6},
	}
}

// Manager publishes an Announcement periodically.
type Manager struct {
	announcement Announcement

	stopChans []chan struct{}
}

// NewManager for an Announcement will be created and started.
func NewManager(announcement Announcement, interval time.Duration, ipv4, ipv6 bool) (*Manager, error) {
	manager := &Manager{announcement: announcement}

	log.WithFields(log.Fields{
		"interval":     interval,
		"IPv4":         ipv4,
		"IPv6":         ipv6,
		"announcement": announcement,
	}).Info("Starting discovery Manager")

	msg, err := MarshalAnnouncement(announcement)
	if err != nil {
		return nil, err
	}

	for _, set := range multicastSets(ipv4, ipv6) {
		if !set.active {
			continue
		}

		stopChan := make(chan struct{})
		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             strconv.Itoa(port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            interval,
			TimeLimit:        -1,
			StopChan:         stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
		}

		discoverErrChan := make(chan error)
		go func() {
			_, discoverErr := peerdiscovery.Discover(settings)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				manager.Close()
				return nil, discoverErr
			}

		case <-time.After(time.Second):
			break
		}

		manager.stopChans = append(manager.stopChans, stopChan)
	}

	return manager, nil
}

// Close this Manager.
func (manager *Manager) Close() {
	for _, c := range manager.stopChans {
		c <- struct{}{}
	}
	manager.stopChans = nil
}

// finder collects the distinct servers of received packages.
type finder struct {
	mutex   sync.Mutex
	servers map[string]Server
	project string
}

func (f *finder) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	f.notify(discovered)
}

func (f *finder) notify(discovered peerdiscovery.Discovered) {
	announcement, err := UnmarshalAnnouncement(discovered.Payload)
	if err != nil {
		log.WithError(err).WithField("peer", discovered.Address).Debug("Discovery failed to parse incoming package")
		return
	}
	if f.project != "" && announcement.ProjectName != f.project {
		return
	}

	host := discovered.Address
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	server := Server{
		Announcement: announcement,
		Address:      net.JoinHostPort(trimBrackets(host), strconv.Itoa(int(announcement.Port))),
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if _, known := f.servers[server.Address]; !known {
		log.WithField("server", server).Debug("Discovered server")
		f.servers[server.Address] = server
	}
}

func (f *finder) result() []Server {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	servers := make([]Server, 0, len(f.servers))
	for _, s := range f.servers {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Address < servers[j].Address })
	return servers
}

func trimBrackets(host string) string {
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}

// Find listens for Announcements for the given time and returns all distinct servers. An empty project accepts
// every project.
func Find(timeout time.Duration, project string, ipv4, ipv6 bool) ([]Server, error) {
	f := &finder{
		servers: make(map[string]Server),
		project: project,
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, set := range multicastSets(ipv4, ipv6) {
		if !set.active {
			continue
		}

		notify := f.notify
		if set.ipVersion == peerdiscovery.IPv6 {
			notify = f.notify6
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             strconv.Itoa(port),
			MulticastAddress: set.multicastAddress,
			Payload:          []byte{},
			Delay:            100 * time.Millisecond,
			TimeLimit:        timeout,
			AllowSelf:        true,
			DisableBroadcast: true,
			IPVersion:        set.ipVersion,
			Notify:           notify,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := peerdiscovery.Discover(settings); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	servers := f.result()
	if err, failed := <-errs; failed && len(servers) == 0 {
		return nil, err
	}
	return servers, nil
}
