// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"testing"

	"github.com/dtn7/cboring"
)

func TestAnnouncementCbor(t *testing.T) {
	var tests = []Announcement{
		{ProjectName: "worldsync", Version: "1.0.0", Port: 9000},
		{ProjectName: "", Version: "0.1.0-dev", Port: 1},
		{ProjectName: "some world", Version: "2.3.4", Port: 65535},
	}

	for _, in := range tests {
		buff, err := MarshalAnnouncement(in)
		if err != nil {
			t.Fatalf("Encoding failed: %v", err)
		}

		out, err := UnmarshalAnnouncement(buff)
		if err != nil {
			t.Fatalf("Decoding failed: %v", err)
		}
		if in != out {
			t.Fatalf("Decoded Announcement differs: %v became %v", in, out)
		}
	}
}

func TestAnnouncementInvalidPort(t *testing.T) {
	buff := new(bytes.Buffer)
	_ = cboring.WriteArrayLength(3, buff)
	_ = cboring.WriteTextString("worldsync", buff)
	_ = cboring.WriteTextString("1.0.0", buff)
	_ = cboring.WriteUInt(70000, buff)

	if _, err := UnmarshalAnnouncement(buff.Bytes()); err == nil {
		t.Fatal("expected an error for an invalid port")
	}
}
