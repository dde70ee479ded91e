// Package remote implements the remote descriptor fetcher (spec.md section
// 4.6): it builds HTTP/0.9-style requests for Tor directory documents,
// sends them over either a raw DirPort TCP connection or a tunnelled
// ORPort circuit, decompresses the response, and hands the bytes to the
// pkg/descriptor parsers.
package remote

import "fmt"

// Endpoint is a directory server this package can query, either its
// DirPort (a plain TCP HTTP/0.9 listener) or its ORPort (tunnelled through
// a one-hop Relay circuit).
type Endpoint interface {
	fmt.Stringer
	isEndpoint()
}

// DirPort addresses a relay's directory port.
type DirPort struct {
	Address string
	Port    int
}

func (d DirPort) String() string { return fmt.Sprintf("DirPort %s:%d", d.Address, d.Port) }
func (DirPort) isEndpoint()      {}

// ORPort addresses a relay's onion-routing port; requests are tunnelled
// through a freshly built single-hop circuit (pkg/relay).
type ORPort struct {
	Address       string
	Port          int
	LinkProtocols []uint16 // acceptable link protocols; nil selects the package default
}

func (o ORPort) String() string { return fmt.Sprintf("ORPort %s:%d", o.Address, o.Port) }
func (ORPort) isEndpoint()      {}
