// Package transport defines the byte-channel capability the mesh runs on.
//
// An Adapter discovers nearby endpoints, advertises the local one and opens
// reliable, ordered channels. Endpoint ids are opaque and scoped to the
// adapter; names are what peers call themselves.
package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed          = errors.New("transport closed")
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// Endpoint is a discovered, not yet connected, peer.
type Endpoint struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is a reliable ordered byte channel to one endpoint. Recv returns
// an error once the channel is closed by either side.
type Channel interface {
	EndpointID() string
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Handler receives adapter callbacks. Implementations must not block.
type Handler interface {
	EndpointDiscovered(ep Endpoint)
	EndpointLost(endpointID string)
	Incoming(ch Channel)
}

// Adapter is the transport capability consumed by the mesh.
type Adapter interface {
	LocalName() string

	// Start begins accepting channels and delivering callbacks to h.
	Start(ctx context.Context, h Handler) error

	StartAdvertising(ctx context.Context) error
	StopAdvertising()
	StartDiscovery(ctx context.Context) error
	StopDiscovery()

	// Connect opens a channel to a discovered endpoint.
	Connect(ctx context.Context, endpointID string) (Channel, error)

	Close() error
}
