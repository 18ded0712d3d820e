// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package stats provides the lightweight performance samples sent on the stat stream.
package stats

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
)

// Sample is a summary of the frames within one reporting window.
type Sample struct {
	// Fps is the number of frames per second within the window.
	Fps float64

	// FrameTime is the average time spent inside a frame.
	FrameTime time.Duration

	// Frames counted within the window.
	Frames uint64
}

func (s Sample) String() string {
	return fmt.Sprintf("Sample(%.1f fps, %v/frame)", s.Fps, s.FrameTime)
}

// MarshalCbor writes a Sample as [fps, frame-time-ns, frames].
func (s *Sample) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteFloat64(s.Fps, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(s.FrameTime.Nanoseconds()), w); err != nil {
		return err
	}
	return cboring.WriteUInt(s.Frames, w)
}

// UnmarshalCbor reads a Sample.
func (s *Sample) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("wrong array length: %d instead of 3", l)
	}

	if fps, err := cboring.ReadFloat64(r); err != nil {
		return err
	} else {
		s.Fps = fps
	}
	if ns, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		s.FrameTime = time.Duration(ns)
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		s.Frames = n
	}
	return nil
}

// Bytes is the CBOR representation of a Sample.
func (s Sample) Bytes() ([]byte, error) {
	buff := new(bytes.Buffer)
	if err := cboring.Marshal(&s, buff); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// FpsCounter measures frames and produces one Sample per window. It is not safe for concurrent use.
type FpsCounter struct {
	window time.Duration
	now    func() time.Time

	windowStart time.Time
	frameStart  time.Time
	frames      uint64
	busy        time.Duration
}

// NewFpsCounter creates a FpsCounter reporting once per second.
func NewFpsCounter() *FpsCounter {
	return NewFpsCounterWindow(time.Second, time.Now)
}

// NewFpsCounterWindow creates a FpsCounter with a custom window and clock.
func NewFpsCounterWindow(window time.Duration, now func() time.Time) *FpsCounter {
	return &FpsCounter{
		window:      window,
		now:         now,
		windowStart: now(),
	}
}

// FrameStart marks the beginning of a frame.
func (fc *FpsCounter) FrameStart() {
	fc.frameStart = fc.now()
}

// FrameEnd marks the end of a frame and returns a Sample if the current window is complete.
func (fc *FpsCounter) FrameEnd() (Sample, bool) {
	now := fc.now()
	fc.frames++
	fc.busy += now.Sub(fc.frameStart)

	elapsed := now.Sub(fc.windowStart)
	if elapsed < fc.window {
		return Sample{}, false
	}

	sample := Sample{
		Fps:       float64(fc.frames) / elapsed.Seconds(),
		FrameTime: fc.busy / time.Duration(fc.frames),
		Frames:    fc.frames,
	}

	fc.windowStart = now
	fc.frames = 0
	fc.busy = 0

	return sample, true
}
