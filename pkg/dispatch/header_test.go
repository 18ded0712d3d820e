// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeader(t *testing.T) {
	for _, id := range []uint32{0, 1, 0x01020304, 0xFFFFFFFF} {
		buff := new(bytes.Buffer)
		if err := WriteHeader(buff, id); err != nil {
			t.Fatal(err)
		}
		if buff.Len() != HeaderSize {
			t.Fatalf("header has %d bytes", buff.Len())
		}

		if id2, err := ReadHeader(buff); err != nil {
			t.Fatal(err)
		} else if id != id2 {
			t.Fatalf("expected %d, got %d", id, id2)
		}
	}
}

func TestHeaderBigEndian(t *testing.T) {
	buff := new(bytes.Buffer)
	_ = WriteHeader(buff, 0x01020304)

	if !bytes.Equal(buff.Bytes(), []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Fatalf("unexpected header %x", buff.Bytes())
	}
}

func TestDatagram(t *testing.T) {
	data := FrameDatagram(0x23, []byte("payload"))
	if !bytes.Equal(data[:HeaderSize], []byte{0, 0, 0, 0x23}) {
		t.Fatalf("unexpected header %x", data[:HeaderSize])
	}

	id, payload, err := SplitDatagram(data)
	if err != nil {
		t.Fatal(err)
	}
	if id != 0x23 || string(payload) != "payload" {
		t.Fatalf("unexpected datagram %d %q", id, payload)
	}

	if _, payload, err := SplitDatagram(FrameDatagram(1, nil)); err != nil || len(payload) != 0 {
		t.Fatalf("empty payload: %q, %v", payload, err)
	}

	if _, _, err := SplitDatagram([]byte{1, 2, 3}); !errors.Is(err, ErrShortDatagram) {
		t.Fatalf("expected ErrShortDatagram, got %v", err)
	}
}

func TestTables(t *testing.T) {
	tables := NewTables()
	handler := DatagramHandlerFunc(func(*Context, []byte) {})

	if err := tables.RegisterDatagram(1, handler); err != nil {
		t.Fatal(err)
	}
	if err := tables.RegisterDatagram(1, handler); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}

	if _, ok := tables.Datagram(1); !ok {
		t.Fatal("handler 1 is missing")
	}
	if _, ok := tables.Datagram(2); ok {
		t.Fatal("handler 2 should not exist")
	}
	if _, ok := tables.Bi(1); ok {
		t.Fatal("tables are not separated")
	}
}
