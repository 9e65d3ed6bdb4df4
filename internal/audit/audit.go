// package audit is the append-only trail of every state-changing governance
// action. Each event is chained to its predecessor by
// sha256(canonical(payload) || prevHashBytes) so tampering with history is
// detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event is one immutable audit record. Events are never mutated or deleted.
type Event struct {
	ID        string      `json:"id"`
	EventType string      `json:"eventType"` // e.g. "promotion.step.approve", "gates.edit"
	Actor     string      `json:"actor"`
	Payload   interface{} `json:"payload"`
	PrevHash  string      `json:"prevHash,omitempty"`
	Hash      string      `json:"hash,omitempty"`
	Ts        time.Time   `json:"ts"`
}

// Filter narrows Export. Zero values match everything.
type Filter struct {
	EventType string
	Actor     string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Sink accepts concurrent appends; per-writer order is monotonic and
// consumers read by timestamp.
type Sink interface {
	Append(ctx context.Context, ev *Event) error
	Export(ctx context.Context, f Filter) ([]Event, error)
}

var ErrNotFound = errors.New("not found")

func NewUUID() string { return uuid.New().String() }

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// ChainHash computes the event hash from canonical payload bytes and the hex
// hash of the previous event ("" for the first event).
func ChainHash(canonicalPayload []byte, prevHashHex string) (string, error) {
	concat := append([]byte(nil), canonicalPayload...)
	if prevHashHex != "" {
		prevBytes, err := hex.DecodeString(prevHashHex)
		if err != nil {
			return "", err
		}
		concat = append(concat, prevBytes...)
	}
	return hex.EncodeToString(HashBytes(concat)), nil
}

func (f Filter) matches(ev Event) bool {
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if f.Actor != "" && ev.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && ev.Ts.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Ts.After(f.Until) {
		return false
	}
	return true
}
