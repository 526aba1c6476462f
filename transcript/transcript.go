// Package transcript publishes the ceremony history so anyone can verify it
// independently of the coordinator.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	json "github.com/nikkolasg/hexjson"

	"github.com/drand/summoner/ceremony"
	"github.com/drand/summoner/common/log"
	"github.com/drand/summoner/crs"
	"github.com/drand/summoner/ledger"
)

const manifestKey = "manifest.json"

// Entry describes one published slot. The payload itself is stored next to
// it in its wire encoding.
type Entry struct {
	Slot        uint64 `json:"slot"`
	Root        bool   `json:"root"`
	Contributor string `json:"contributor,omitempty"`
	Hash        []byte `json:"hash"`
	Parent      []byte `json:"parent,omitempty"`
}

// Manifest points at the latest published slot.
type Manifest struct {
	Degree    int    `json:"degree"`
	RootHash  []byte `json:"root_hash"`
	Tip       uint64 `json:"tip"`
	TipHash   []byte `json:"tip_hash"`
	UpdatedAt int64  `json:"updated_at"`
}

func payloadKey(slot uint64) string {
	return fmt.Sprintf("slots/%d.cbor", slot)
}

func entryKey(slot uint64) string {
	return fmt.Sprintf("slots/%d.json", slot)
}

// Exporter writes slots and the manifest through a Publisher.
type Exporter struct {
	log   log.Logger
	pub   Publisher
	clock clockwork.Clock

	mu  sync.Mutex
	tip int64
}

// NewExporter returns an exporter publishing through pub.
func NewExporter(l log.Logger, pub Publisher, clock clockwork.Clock) *Exporter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Exporter{
		log:   l.Named("transcript"),
		pub:   pub,
		clock: clock,
		tip:   -1,
	}
}

// PublishSlot publishes the payload of slot and its entry. c is the CRS the
// slot produces.
func (e *Exporter) PublishSlot(ctx context.Context, slot *ledger.Slot, c *crs.CRS) error {
	entry := Entry{
		Slot: slot.Number,
		Root: slot.IsRoot,
		Hash: c.Hash(),
	}
	if !slot.IsRoot {
		raw, err := crs.DecodeContribution(slot.Payload)
		if err != nil {
			return err
		}
		entry.Contributor = slot.Contributor.String()
		entry.Parent = raw.Parent
	}
	return e.publish(ctx, entry, slot.Payload)
}

func (e *Exporter) publish(ctx context.Context, entry Entry, payload []byte) error {
	if _, err := e.pub.Publish(ctx, payloadKey(entry.Slot), payload, contentTypeCBOR, true); err != nil {
		return fmt.Errorf("publishing slot %d: %w", entry.Slot, err)
	}
	buff, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	loc, err := e.pub.Publish(ctx, entryKey(entry.Slot), buff, contentTypeJSON, true)
	if err != nil {
		return fmt.Errorf("publishing entry %d: %w", entry.Slot, err)
	}
	e.log.Debugw("slot published", "slot", entry.Slot, "location", loc)
	return nil
}

// PublishManifest publishes the manifest if tip is newer than the last one
// published by this exporter.
func (e *Exporter) PublishManifest(ctx context.Context, root *crs.CRS, tip uint64, tipCRS *crs.CRS) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int64(tip) <= e.tip {
		return nil
	}

	m := Manifest{
		Degree:    root.Degree(),
		RootHash:  root.Hash(),
		Tip:       tip,
		TipHash:   tipCRS.Hash(),
		UpdatedAt: e.clock.Now().Unix(),
	}
	buff, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if _, err := e.pub.Publish(ctx, manifestKey, buff, contentTypeJSON, false); err != nil {
		return fmt.Errorf("publishing manifest: %w", err)
	}
	e.tip = int64(tip)
	return nil
}

// Sync publishes every slot from slot from up to the tip, then the manifest.
func (e *Exporter) Sync(ctx context.Context, l *ledger.Ledger, from uint64) (uint64, error) {
	root, err := l.Root(ctx)
	if err != nil {
		return 0, err
	}

	var (
		published uint64
		last      *ledger.Slot
		lastCRS   *crs.CRS
	)
	err = l.Cursor(ctx, func(ctx context.Context, cur ledger.Cursor) error {
		slot, err := cur.Seek(ctx, from)
		for ; err == nil; slot, err = cur.Next(ctx) {
			c, err := l.CRSAt(ctx, slot.Number)
			if err != nil {
				return err
			}
			if err := e.PublishSlot(ctx, slot, c); err != nil {
				return err
			}
			published++
			last, lastCRS = slot, c
		}
		if errors.Is(err, ledger.ErrSlotNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return published, err
	}
	if last == nil {
		return 0, nil
	}
	if err := e.PublishManifest(ctx, root, last.Number, lastCRS); err != nil {
		return published, err
	}
	e.log.Infow("transcript synced", "from", from, "to", last.Number, "slots", published)
	return published, nil
}

// Callback returns a commit callback publishing every new slot and the
// manifest.
func (e *Exporter) Callback(ctx context.Context, root *crs.CRS) ceremony.CallbackFunc {
	return func(c *ceremony.Commit, closed bool) {
		if closed {
			return
		}
		next := c.Contribution.NewElements()
		payload, err := c.Contribution.Bytes()
		if err != nil {
			e.log.Errorw("encoding commit", "slot", c.Slot, "err", err)
			return
		}
		entry := Entry{
			Slot:        c.Slot,
			Contributor: c.Contributor.String(),
			Hash:        next.Hash(),
			Parent:      c.Contribution.Parent(),
		}
		if err := e.publish(ctx, entry, payload); err != nil {
			e.log.Errorw("unable to publish commit", "slot", c.Slot, "err", err)
			return
		}
		if err := e.PublishManifest(ctx, root, c.Slot, next); err != nil {
			e.log.Errorw("unable to publish manifest", "slot", c.Slot, "err", err)
		}
	}
}
