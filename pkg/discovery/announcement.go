// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// Announcement of a server reachable at the sender's address and Port.
type Announcement struct {
	ProjectName string
	Version     string
	Port        uint
}

// UnmarshalAnnouncement creates an Announcement from a received package.
func UnmarshalAnnouncement(data []byte) (announcement Announcement, err error) {
	err = cboring.Unmarshal(&announcement, bytes.NewBuffer(data))
	return
}

// MarshalAnnouncement into a package payload.
func MarshalAnnouncement(announcement Announcement) ([]byte, error) {
	buff := new(bytes.Buffer)
	if err := cboring.Marshal(&announcement, buff); err != nil {
		return nil, fmt.Errorf("marshalling %v failed: %w", announcement, err)
	}
	return buff.Bytes(), nil
}

// MarshalCbor creates a CBOR representation for an Announcement.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(announcement.ProjectName, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(announcement.Version, w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(announcement.Port), w)
}

// UnmarshalCbor creates an Announcement from its CBOR representation.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("wrong array length: %d instead of 3", l)
	}

	if s, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		announcement.ProjectName = s
	}
	if s, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		announcement.Version = s
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if n == 0 || n > 0xFFFF {
		return fmt.Errorf("invalid port %d", n)
	} else {
		announcement.Port = uint(n)
	}

	return nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%s,%d)", announcement.ProjectName, announcement.Version, announcement.Port)
}
