// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type cronjob struct {
	task      func(now time.Time)
	interval  time.Duration
	nextEvent time.Time
}

// Cron runs the server's housekeeping jobs, e.g., the inactivity check.
type Cron struct {
	resolution time.Duration

	jobs  map[string]*cronjob
	mutex sync.Mutex

	stopSyn  chan struct{}
	stopAck  chan struct{}
	stopOnce sync.Once
}

// NewCron creates and starts an empty Cron which checks its jobs once per resolution.
func NewCron(resolution time.Duration) *Cron {
	cron := &Cron{
		resolution: resolution,
		jobs:       make(map[string]*cronjob),
		stopSyn:    make(chan struct{}),
		stopAck:    make(chan struct{}),
	}

	go cron.loop()

	return cron
}

func (cron *Cron) loop() {
	ticker := time.NewTicker(cron.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-cron.stopSyn:
			close(cron.stopAck)
			return

		case t := <-ticker.C:
			cron.fire(t)
		}
	}
}

func (cron *Cron) fire(t time.Time) {
	cron.mutex.Lock()
	defer cron.mutex.Unlock()

	names := make([]string, 0, len(cron.jobs))
	for name := range cron.jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		job := cron.jobs[name]
		if job.nextEvent.After(t) {
			continue
		}

		job.nextEvent = t.Add(job.interval)
		go job.task(t)

		log.WithFields(log.Fields{
			"job":        name,
			"next_event": job.nextEvent,
		}).Debug("Cron executed job")
	}
}

// Stop this Cron. Running jobs are not waited for.
func (cron *Cron) Stop() {
	cron.stopOnce.Do(func() {
		close(cron.stopSyn)
		<-cron.stopAck
	})
}

// Register a task by its name. The interval must not be shorter than the Cron's resolution. The task is executed in
// a new goroutine and must be thread-safe.
func (cron *Cron) Register(name string, task func(now time.Time), interval time.Duration) error {
	cron.mutex.Lock()
	defer cron.mutex.Unlock()

	if _, exists := cron.jobs[name]; exists {
		return fmt.Errorf("a job named %s is already registered", name)
	}

	if interval < cron.resolution {
		return fmt.Errorf("interval %v is shorter than the resolution %v", interval, cron.resolution)
	}

	cron.jobs[name] = &cronjob{
		task:      task,
		interval:  interval,
		nextEvent: time.Now().Add(interval),
	}
	return nil
}

// Unregister a task by its name.
func (cron *Cron) Unregister(name string) {
	cron.mutex.Lock()
	defer cron.mutex.Unlock()

	delete(cron.jobs, name)
}
