package broker

import (
	"context"
	"sync"
)

// Local delivers synchronously inside one process.
type Local struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Publish(_ context.Context, roomID string, data []byte) error {
	l.mu.RLock()
	handlers := l.handlers
	l.mu.RUnlock()
	for _, h := range handlers {
		h(roomID, data)
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, fn Handler) error {
	l.mu.Lock()
	l.handlers = append(l.handlers, fn)
	l.mu.Unlock()
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	l.handlers = nil
	l.mu.Unlock()
	return nil
}
