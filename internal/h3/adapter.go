// Package h3 declares the pluggable HTTP/3 transport boundary. The QUIC
// datagram layer and frame codec are out of scope (spec.md §6); an Adapter
// feeds the same (method, path, headers, body) units any other protocol
// driver produces into the dispatcher.
package h3

import "context"

// RequestUnit is the protocol-agnostic shape an Adapter decodes a QUIC
// stream into before handing it to the dispatcher.
type RequestUnit struct {
	Method    string
	Path      string
	Authority string
	Headers   [][2]string
	Body      []byte
}

// Response is what the dispatcher hands back to an Adapter to encode onto
// the QUIC stream.
type Response struct {
	Status  int
	Headers [][2]string
	Body    []byte
}

// Adapter is satisfied by an external HTTP/3 transport implementation.
// No implementation ships in this repository. An adapter registered via
// Server.HTTP3Adapter is stored only; nothing in the run loop calls Serve.
type Adapter interface {
	Serve(ctx context.Context, unit RequestUnit) (Response, error)
}
