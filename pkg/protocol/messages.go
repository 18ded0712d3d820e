// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"fmt"
	"io"
	"net/url"

	"github.com/dtn7/cboring"
)

// Version of this build. A client only talks to a server of exactly the same version.
// It might be overwritten at link time: -ldflags "-X github.com/worldsync/worldsync-go/pkg/protocol.Version=1.2.3"
var Version = "1.0.0"

// DefaultContentBaseURL is used if no content server is configured.
const DefaultContentBaseURL = "http://localhost:8999/content/"

// ExternalComponent describes a component which is not built in, but registered by the server's application.
type ExternalComponent struct {
	Name string
	Type string
}

// ClientInfo is the server's answer to a client's user id.
type ClientInfo struct {
	UserID             string
	ExternalComponents []ExternalComponent
}

func (ci ClientInfo) String() string {
	return fmt.Sprintf("ClientInfo(%s, %d external components)", ci.UserID, len(ci.ExternalComponents))
}

// MarshalCbor writes [user_id, [[name, type], ...]].
func (ci *ClientInfo) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(ci.UserID, w); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(ci.ExternalComponents)), w); err != nil {
		return err
	}
	for _, ec := range ci.ExternalComponents {
		if err := cboring.WriteArrayLength(2, w); err != nil {
			return err
		}
		if err := cboring.WriteTextString(ec.Name, w); err != nil {
			return err
		}
		if err := cboring.WriteTextString(ec.Type, w); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCbor reads a ClientInfo.
func (ci *ClientInfo) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("wrong array length: %d instead of 2", l)
	}

	if userID, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		ci.UserID = userID
	}

	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	ci.ExternalComponents = make([]ExternalComponent, n)
	for i := range ci.ExternalComponents {
		if l, err := cboring.ReadArrayLength(r); err != nil {
			return err
		} else if l != 2 {
			return fmt.Errorf("external component %d: wrong array length %d", i, l)
		}
		if ci.ExternalComponents[i].Name, err = cboring.ReadTextString(r); err != nil {
			return err
		}
		if ci.ExternalComponents[i].Type, err = cboring.ReadTextString(r); err != nil {
			return err
		}
	}
	return nil
}

// ServerInfo is sent once during the handshake so that a client can check compatibility and find the content.
type ServerInfo struct {
	ProjectName    string
	ContentBaseURL string
	Version        string
}

// DefaultServerInfo uses this build's Version.
func DefaultServerInfo() ServerInfo {
	return ServerInfo{
		ProjectName:    "worldsync",
		ContentBaseURL: DefaultContentBaseURL,
		Version:        Version,
	}
}

// CheckValid requires an absolute content base URL and a version.
func (si ServerInfo) CheckValid() error {
	if si.Version == "" {
		return fmt.Errorf("server info without version")
	}
	u, err := url.Parse(si.ContentBaseURL)
	if err != nil {
		return fmt.Errorf("content base url %q: %w", si.ContentBaseURL, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("content base url %q is not absolute", si.ContentBaseURL)
	}
	return nil
}

func (si ServerInfo) String() string {
	return fmt.Sprintf("ServerInfo(%s, %s, %s)", si.ProjectName, si.ContentBaseURL, si.Version)
}

// MarshalCbor writes [project_name, content_base_url, version].
func (si *ServerInfo) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	for _, field := range []string{si.ProjectName, si.ContentBaseURL, si.Version} {
		if err := cboring.WriteTextString(field, w); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCbor reads a ServerInfo.
func (si *ServerInfo) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("wrong array length: %d instead of 3", l)
	}
	for _, field := range []*string{&si.ProjectName, &si.ContentBaseURL, &si.Version} {
		s, err := cboring.ReadTextString(r)
		if err != nil {
			return err
		}
		*field = s
	}
	return nil
}

// userIDMessage is the client's first message.
type userIDMessage string

func (uid *userIDMessage) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(string(*uid), w)
}

func (uid *userIDMessage) UnmarshalCbor(r io.Reader) error {
	s, err := cboring.ReadTextString(r)
	if err != nil {
		return err
	}
	*uid = userIDMessage(s)
	return nil
}
