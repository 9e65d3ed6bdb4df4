package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veridata/govern/internal/canonical"
)

// MemorySink keeps the trail in process memory; used for development and
// tests. Appends serialize on the mutex so the hash chain stays consistent
// under concurrent writers.
type MemorySink struct {
	mu       sync.Mutex
	events   []Event
	lastHash string
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Append(ctx context.Context, ev *Event) error {
	canon, err := canonical.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hash, err := ChainHash(canon, m.lastHash)
	if err != nil {
		return fmt.Errorf("chain hash: %w", err)
	}
	if ev.ID == "" {
		ev.ID = NewUUID()
	}
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	ev.PrevHash = m.lastHash
	ev.Hash = hash
	m.lastHash = hash
	m.events = append(m.events, *ev)
	return nil
}

func (m *MemorySink) Export(ctx context.Context, f Filter) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if !f.matches(ev) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
