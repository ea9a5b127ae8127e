package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultLeaseTTL bounds how long a crashed holder blocks other passes.
const DefaultLeaseTTL = 2 * time.Minute

type leaseDoc struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Lease is a named claim on the namespace's sync lease. Every process
// sharing the backend sees the same lease document, so at most one holder
// runs a sync pass at a time. A held lease is renewed in the background
// until Unlock; if its process dies the claim lapses after ttl.
type Lease struct {
	store  *LedgerStore
	holder string
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewLease returns a lease handle for holder. Holders must be unique per
// process and role.
func (s *LedgerStore) NewLease(holder string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Lease{store: s, holder: holder, ttl: ttl, now: time.Now}
}

func (l *Lease) Holder() string { return l.holder }

// TryLock claims the lease unless another holder has a live claim. It does
// not wait. Calling it while already held reports false.
func (l *Lease) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return false, nil
	}

	acquired := false
	err := l.update(ctx, func(cur leaseDoc, now time.Time) (*leaseDoc, error) {
		if cur.Holder != "" && cur.Holder != l.holder && now.Before(cur.ExpiresAt) {
			return nil, nil
		}
		acquired = true
		return &leaseDoc{Holder: l.holder, ExpiresAt: now.Add(l.ttl)}, nil
	})
	if err != nil {
		return false, fmt.Errorf("acquire sync lease: %w", err)
	}
	if !acquired {
		return false, nil
	}

	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.renew(l.stop, l.done)
	return true, nil
}

// Unlock releases a held lease. It is a no-op when the lease is not held.
func (l *Lease) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop == nil {
		return nil
	}
	close(l.stop)
	<-l.done
	l.stop, l.done = nil, nil

	err := l.update(context.WithoutCancel(ctx), func(cur leaseDoc, _ time.Time) (*leaseDoc, error) {
		if cur.Holder != l.holder {
			return nil, nil
		}
		return &leaseDoc{}, nil
	})
	if err != nil {
		return fmt.Errorf("release sync lease: %w", err)
	}
	return nil
}

func (l *Lease) renew(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			lost := false
			err := l.update(context.Background(), func(cur leaseDoc, now time.Time) (*leaseDoc, error) {
				if cur.Holder != l.holder {
					lost = true
					return nil, nil
				}
				return &leaseDoc{Holder: l.holder, ExpiresAt: now.Add(l.ttl)}, nil
			})
			if err != nil {
				slog.Warn("Failed to renew sync lease", "holder", l.holder, "error", err)
				continue
			}
			if lost {
				slog.Warn("Sync lease taken over by another holder", "holder", l.holder)
				return
			}
		}
	}
}

func (l *Lease) update(ctx context.Context, fn func(cur leaseDoc, now time.Time) (*leaseDoc, error)) error {
	s := l.store
	return s.backend.Update(ctx, s.namespace, KeySyncLease, func(raw []byte, found bool) ([]byte, error) {
		var cur leaseDoc
		if found {
			// A corrupt lease document counts as free.
			_ = json.Unmarshal(raw, &cur)
		}
		next, err := fn(cur, l.now())
		if err != nil || next == nil {
			return nil, err
		}
		return json.Marshal(next)
	})
}
