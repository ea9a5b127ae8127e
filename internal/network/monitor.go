// Package network tracks whether the remote authority is reachable and
// signals offline-to-online transitions.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probe returns nil when the remote answered at all.
type Probe func(ctx context.Context) error

// HTTPProbe treats any HTTP response as reachable; only transport
// failures count as offline.
func HTTPProbe(client *http.Client, url string) Probe {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}

type Monitor struct {
	probe    Probe
	interval time.Duration

	mu     sync.RWMutex
	online bool
	known  bool

	reconnect chan struct{}
}

func NewMonitor(probe Probe, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		probe:     probe,
		interval:  interval,
		reconnect: make(chan struct{}, 1),
	}
}

// Online reports the last observed state. It is false until the first check.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Reconnected fires once for every offline-to-online transition. Signals
// coalesce while nobody is reading.
func (m *Monitor) Reconnected() <-chan struct{} {
	return m.reconnect
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.probe(ctx)
	if err != nil {
		slog.DebugContext(ctx, "Connectivity probe failed", "error", err)
	}
	m.Set(err == nil)
	return err == nil
}

// Set records a state observed elsewhere.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	wasOffline := m.known && !m.online
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	m.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("Connectivity changed", "online", online)
	if online && wasOffline {
		select {
		case m.reconnect <- struct{}{}:
		default:
		}
	}
}

// Run probes on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
