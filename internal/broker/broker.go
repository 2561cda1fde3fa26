// Package broker carries room events between API instances. Every instance
// publishes the events of its sessions and delivers everything it receives
// to its own subscribers.
package broker

import "context"

// Handler receives one event published to a room.
type Handler func(roomID string, data []byte)

type Broker interface {
	Publish(ctx context.Context, roomID string, data []byte) error
	// Subscribe starts delivering events of every room to fn until ctx is done.
	Subscribe(ctx context.Context, fn Handler) error
	Close() error
	// Name identifies the implementation in logs and metrics.
	Name() string
}
