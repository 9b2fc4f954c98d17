// Package alert is the operator side-channel for rare, high-signal
// events: cost thresholds and permanent bans. Events are written to a
// durable local outbox first and delivered by a background notifier, so
// a slow or dead webhook can never stall an admission decision.
package alert

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/developingchet/admission-engine/internal/metrics"
)

var bucketOutbox = []byte("outbox")

// Event is one queued notification. Seq is assigned by the outbox and
// orders delivery.
type Event struct {
	Seq     uint64    `json:"seq"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Detail  string    `json:"detail"`
	At      time.Time `json:"at"`
}

// Outbox is an ACID bbolt-backed event queue. It is safe for concurrent
// use.
type Outbox struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the outbox database at path.
func Open(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("alert: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbox)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("alert: init bucket: %w", err)
	}
	o := &Outbox{db: db, now: time.Now}
	metrics.AlertOutboxDepth.Set(float64(o.Depth()))
	return o, nil
}

// SetNow overrides the clock; test helper.
func (o *Outbox) SetNow(now func() time.Time) { o.now = now }

// Publish appends an event to the outbox. The write is durable before
// Publish returns; delivery happens later.
func (o *Outbox) Publish(_ context.Context, kind, subject, detail string) error {
	err := o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(Event{
			Seq:     seq,
			Kind:    kind,
			Subject: subject,
			Detail:  detail,
			At:      o.now().UTC(),
		})
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return fmt.Errorf("alert: publish: %w", err)
	}
	metrics.AlertOutboxDepth.Set(float64(o.Depth()))
	return nil
}

// Pending returns up to limit undelivered events in order.
func (o *Outbox) Pending(limit int) ([]Event, error) {
	var out []Event
	err := o.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue // a corrupt record is skipped, not fatal
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("alert: pending: %w", err)
	}
	return out, nil
}

// Ack removes a delivered event.
func (o *Outbox) Ack(seq uint64) error {
	err := o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).Delete(seqKey(seq))
	})
	if err != nil {
		return fmt.Errorf("alert: ack %d: %w", seq, err)
	}
	metrics.AlertOutboxDepth.Set(float64(o.Depth()))
	return nil
}

// Depth reports the number of undelivered events.
func (o *Outbox) Depth() int {
	var n int
	_ = o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketOutbox).Stats().KeyN
		return nil
	})
	return n
}

// Close cleanly closes the underlying database.
func (o *Outbox) Close() error { return o.db.Close() }

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
