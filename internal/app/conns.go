package app

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/dpi-conntrack/pkg/conntrack"
)

// Conn is one connection as written in a JSONC connections file:
//
//	[{"proto": "tcp", "src": "10.0.0.1:40000", "dst": "10.0.0.2:21", "helper": "ftp"}]
type Conn struct {
	Proto  string `json:"proto"`
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	Helper string `json:"helper,omitempty"`
}

// Tuple parses the connection's addresses.
func (c Conn) Tuple() (conntrack.Tuple, error) {
	proto, err := conntrack.ParseProto(c.Proto)
	if err != nil {
		return conntrack.Tuple{}, err
	}

	src, err := netip.ParseAddrPort(c.Src)
	if err != nil {
		return conntrack.Tuple{}, fmt.Errorf("src: %w", err)
	}

	dst, err := netip.ParseAddrPort(c.Dst)
	if err != nil {
		return conntrack.Tuple{}, fmt.Errorf("dst: %w", err)
	}

	return conntrack.Tuple{Proto: proto, Src: src, Dst: dst}, nil
}

// ParseConns decodes a JSONC array of connections.
func ParseConns(data []byte) ([]Conn, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var conns []Conn
	if err := json.Unmarshal(standardized, &conns); err != nil {
		return nil, fmt.Errorf("invalid connections: %w", err)
	}

	return conns, nil
}

// InsertConns adds conns to table. Helpers with the same name share one
// [conntrack.Helper]. It stops at the first failure.
func InsertConns(table *conntrack.Table, conns []Conn) error {
	helpers := make(map[string]*conntrack.Helper)

	for i, c := range conns {
		tuple, err := c.Tuple()
		if err != nil {
			return fmt.Errorf("connection %d: %w", i, err)
		}

		var helper *conntrack.Helper

		if c.Helper != "" {
			helper = helpers[c.Helper]
			if helper == nil {
				helper, err = conntrack.NewHelper(c.Helper)
				if err != nil {
					return fmt.Errorf("connection %d: %w", i, err)
				}

				helpers[c.Helper] = helper
			}
		}

		if _, err := table.Insert(tuple, helper); err != nil {
			return fmt.Errorf("connection %d (%s): %w", i, tuple, err)
		}
	}

	return nil
}
