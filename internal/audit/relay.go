package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/veridata/govern/internal/canonical"
)

// Producer is the subset of Kafka producer behavior the relay needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) error
	Close() error
}

// RelayConfig configures the DB-first audit relay.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

// Relay drains pending audit events from the PGSink to Kafka and S3. The
// database row tracks relay status, so a crash mid-batch only means the event
// is claimed again on the next pass. Either destination may be nil (relay to
// the other alone).
type Relay struct {
	sink     *PGSink
	producer Producer
	archiver Archiver
	cfg      RelayConfig
}

func NewRelay(sink *PGSink, producer Producer, archiver Archiver, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &Relay{sink: sink, producer: producer, archiver: archiver, cfg: cfg}
}

// Run polls for pending events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	log.Printf("[audit.relay] starting (batch=%d)", r.cfg.BatchSize)
	defer log.Printf("[audit.relay] stopped")

	for {
		select {
		case <-ctx.Done():
			if r.producer != nil {
				_ = r.producer.Close()
			}
			return ctx.Err()
		default:
		}

		events, err := r.sink.FetchPendingForRelay(ctx, r.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.relay] fetch pending: %v", err)
			sleepCtx(ctx, r.cfg.PollInterval)
			continue
		}
		if len(events) == 0 {
			sleepCtx(ctx, r.cfg.PollInterval)
			continue
		}

		for i := range events {
			if err := r.relayEvent(ctx, &events[i]); err != nil {
				log.Printf("[audit.relay] event %s: %v", events[i].ID, err)
			}
		}
	}
}

func (r *Relay) relayEvent(parentCtx context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	if r.producer != nil {
		envelope := map[string]interface{}{
			"id":        ev.ID,
			"eventType": ev.EventType,
			"actor":     ev.Actor,
			"payload":   ev.Payload,
			"prevHash":  ev.PrevHash,
			"hash":      ev.Hash,
			"ts":        ev.Ts.Format(time.RFC3339Nano),
		}
		canonBytes, err := canonical.Marshal(envelope)
		if err != nil {
			_ = r.sink.MarkRelayResult(parentCtx, ev.ID, "", false, fmt.Sprintf("canonicalize: %v", err))
			return fmt.Errorf("canonicalize envelope: %w", err)
		}
		if err := r.producer.Produce(ctx, []byte(ev.ID), canonBytes); err != nil {
			_ = r.sink.MarkRelayResult(parentCtx, ev.ID, "", false, fmt.Sprintf("kafka produce: %v", err))
			return fmt.Errorf("kafka produce: %w", err)
		}
	}

	var archivedKey string
	if r.archiver != nil {
		key, err := r.archiver.ArchiveEvent(ctx, ev)
		if err != nil {
			_ = r.sink.MarkRelayResult(parentCtx, ev.ID, "", false, fmt.Sprintf("archive: %v", err))
			return fmt.Errorf("archive: %w", err)
		}
		archivedKey = key
	}

	return r.sink.MarkRelayResult(parentCtx, ev.ID, archivedKey, true, "")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
