// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCron(t *testing.T) {
	cron := NewCron(10 * time.Millisecond)
	defer cron.Stop()

	var counter atomic.Int32
	if err := cron.Register("count", func(time.Time) { counter.Add(1) }, 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if err := cron.Register("count", func(time.Time) {}, time.Second); err == nil {
		t.Fatal("registered a job twice")
	}
	if err := cron.Register("fast", func(time.Time) {}, time.Millisecond); err == nil {
		t.Fatal("registered a job faster than the resolution")
	}

	time.Sleep(200 * time.Millisecond)
	if n := counter.Load(); n < 3 {
		t.Fatalf("job ran only %d times", n)
	}

	cron.Unregister("count")
	time.Sleep(30 * time.Millisecond)
	before := counter.Load()
	time.Sleep(100 * time.Millisecond)
	if after := counter.Load(); after != before {
		t.Fatalf("unregistered job still runs: %d -> %d", before, after)
	}
}

func TestCronStopTwice(t *testing.T) {
	cron := NewCron(10 * time.Millisecond)
	cron.Stop()
	cron.Stop()
}
