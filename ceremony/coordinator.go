// Package ceremony drives the sequential contribution protocol: an admitted
// candidate receives the current tip, hands back a contribution extending it,
// and the contribution is validated then appended to the ledger. At most one
// contribution is ever committed against a given tip.
package ceremony

import (
	"bytes"
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/drand/summoner/admission"
	"github.com/drand/summoner/common"
	"github.com/drand/summoner/common/log"
	"github.com/drand/summoner/crs"
	"github.com/drand/summoner/ledger"
	"github.com/drand/summoner/metrics"
)

const (
	// DefaultMaxAttempts bounds how many times Contribute restarts after
	// losing the tip to a concurrent commit.
	DefaultMaxAttempts = 5
	// DefaultRetryBackoff is the pause before restarting after a conflict.
	DefaultRetryBackoff = 100 * time.Millisecond
)

// Ledger is the durable slot history the coordinator appends to.
type Ledger interface {
	CurrentTip(ctx context.Context) (*ledger.Tip, error)
	CurrentSlotNumber(ctx context.Context) (uint64, error)
	Root(ctx context.Context) (*crs.CRS, error)
	AppendContribution(ctx context.Context, contributor common.Address, expectedTip uint64, c *crs.Contribution) (uint64, error)
}

// Gate decides whether an address may contribute.
type Gate interface {
	Check(ctx context.Context, addr common.Address) (admission.Decision, error)
}

// Source obtains a contribution from the candidate, built on the given tip.
// How it reaches the candidate is up to the caller. The context carries the
// logger of the attempt, see log.FromContextOrDefault.
type Source interface {
	Contribution(ctx context.Context, tip *ledger.Tip) (*crs.RawContribution, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context, tip *ledger.Tip) (*crs.RawContribution, error)

func (f SourceFunc) Contribution(ctx context.Context, tip *ledger.Tip) (*crs.RawContribution, error) {
	return f(ctx, tip)
}

// RandomSource contributes locally with a secret drawn from rand.
func RandomSource(rand cipher.Stream) Source {
	return SourceFunc(func(ctx context.Context, tip *ledger.Tip) (*crs.RawContribution, error) {
		log.FromContextOrDefault(ctx).Debugw("computing contribution", "tip", tip.Slot)
		return crs.Contribute(tip.CRS, rand)
	})
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	log       log.Logger
	ledger    Ledger
	gate      Gate
	validator crs.Validator
	clock     clockwork.Clock

	maxAttempts int
	backoff     time.Duration
	maxSlots    uint64
	deadline    time.Time

	phase atomic.Int32
	mu    sync.Mutex
	halt  error

	callbacks *callbacks
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// WithClock sets the clock used for backoff and the deadline.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithMaxAttempts bounds the restarts of Contribute after a conflict.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		c.maxAttempts = n
	}
}

// WithRetryBackoff sets the pause before restarting after a conflict.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Coordinator) {
		c.backoff = d
	}
}

// WithMaxSlots closes the ceremony once slot n is committed. Zero means no
// limit.
func WithMaxSlots(n uint64) Option {
	return func(c *Coordinator) {
		c.maxSlots = n
	}
}

// WithDeadline closes the ceremony at t. The zero time means no deadline.
func WithDeadline(t time.Time) Option {
	return func(c *Coordinator) {
		c.deadline = t
	}
}

// New returns a coordinator over an already loaded ledger. A corrupt tip
// leaves the coordinator halted.
func New(ctx context.Context, l Ledger, gate Gate, v crs.Validator, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		log:         log.DefaultLogger(),
		ledger:      l,
		gate:        gate,
		validator:   v,
		clock:       clockwork.NewRealClock(),
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultRetryBackoff,
		callbacks:   newCallbacks(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("ceremony")
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}

	tip, err := c.CurrentTip(ctx)
	switch {
	case errors.Is(err, ErrHalted):
		return c, nil
	case err != nil:
		return nil, err
	}
	metrics.CurrentSlot.Set(float64(tip.Slot))
	c.log.Infow("coordinator ready", "slot", tip.Slot, "tip", tip.CRS.String())
	return c, nil
}

// Phase reports where the ceremony stands.
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Coordinator) setPhase(p Phase) {
	c.phase.Store(int32(p))
}

// Halted returns the reason the ceremony stopped accepting contributions,
// or nil.
func (c *Coordinator) Halted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halt
}

// observe halts the ceremony when err reports a corrupt slot.
func (c *Coordinator) observe(err error) error {
	if err == nil || errors.Is(err, ErrHalted) || !errors.Is(err, ledger.ErrCorruptSlot) {
		return err
	}
	c.mu.Lock()
	if c.halt == nil {
		c.halt = err
		c.log.Errorw("corrupt slot found, halting ceremony", "err", err)
	}
	c.mu.Unlock()
	return fmt.Errorf("%w: %w", ErrHalted, err)
}

// AddCallback registers fn under id, replacing any previous one. fn is
// called after every commit.
func (c *Coordinator) AddCallback(id string, fn CallbackFunc) {
	c.callbacks.add(id, fn)
}

// RemoveCallback unregisters the callback with the given id.
func (c *Coordinator) RemoveCallback(id string) {
	c.callbacks.remove(id)
}

// Stop stops the callback workers.
func (c *Coordinator) Stop() {
	c.callbacks.stop()
}

// CanContribute returns the bid of addr, or nil when addr may not contribute.
func (c *Coordinator) CanContribute(ctx context.Context, addr common.Address) (*admission.Bid, error) {
	d, err := c.gate.Check(ctx, addr)
	if err != nil {
		return nil, err
	}
	return d.Bid, nil
}

// CurrentTip returns the latest slot and its CRS.
func (c *Coordinator) CurrentTip(ctx context.Context) (*ledger.Tip, error) {
	tip, err := c.ledger.CurrentTip(ctx)
	if err != nil {
		return nil, c.observe(err)
	}
	return tip, nil
}

// CurrentCRS returns the CRS of the latest slot.
func (c *Coordinator) CurrentCRS(ctx context.Context) (*crs.CRS, error) {
	tip, err := c.CurrentTip(ctx)
	if err != nil {
		return nil, err
	}
	return tip.CRS, nil
}

// CurrentSlot returns the number of the latest slot.
func (c *Coordinator) CurrentSlot(ctx context.Context) (uint64, error) {
	return c.ledger.CurrentSlotNumber(ctx)
}

// Root returns the genesis CRS.
func (c *Coordinator) Root(ctx context.Context) (*crs.CRS, error) {
	root, err := c.ledger.Root(ctx)
	if err != nil {
		return nil, c.observe(err)
	}
	return root, nil
}

// open fails when no contribution can be accepted on top of slot.
func (c *Coordinator) open(slot uint64) error {
	if err := c.Halted(); err != nil {
		return fmt.Errorf("%w: %w", ErrHalted, err)
	}
	if c.maxSlots > 0 && slot >= c.maxSlots {
		return fmt.Errorf("%w: %d slots committed", ErrCeremonyClosed, slot)
	}
	if !c.deadline.IsZero() && !c.clock.Now().Before(c.deadline) {
		return fmt.Errorf("%w: deadline %s passed", ErrCeremonyClosed, c.deadline.UTC().Format(time.RFC3339))
	}
	return nil
}

func (c *Coordinator) admit(ctx context.Context, addr common.Address) (*admission.Bid, error) {
	d, err := c.gate.Check(ctx, addr)
	if err != nil {
		return nil, err
	}
	switch d.Reason {
	case admission.ReasonEligible:
		return d.Bid, nil
	case admission.ReasonBanned:
		return nil, ErrBanned
	case admission.ReasonAlreadyContributed:
		return nil, ErrAlreadyContributed
	default:
		return nil, ErrIneligible
	}
}

// CommitContribution admits addr, then validates raw against the current tip
// and appends it. It makes a single attempt: a contribution built on an older
// tip fails with ErrStaleContribution and a lost race with ledger.ErrConflict.
func (c *Coordinator) CommitContribution(ctx context.Context, addr common.Address, raw *crs.RawContribution) (uint64, error) {
	l := c.log.With("attempt", uuid.New().String(), "address", addr.String())
	if _, err := c.admit(ctx, addr); err != nil {
		return 0, c.outcome(l, err)
	}
	tip, err := c.CurrentTip(ctx)
	if err != nil {
		return 0, c.outcome(l, err)
	}
	slot, err := c.commit(ctx, l, addr, tip, raw)
	return slot, c.outcome(l, err)
}

// Contribute runs the whole protocol for addr. The contribution is obtained
// from src against the current tip. When another contribution is committed
// first, the tip is fetched again and src asked for a new contribution, up to
// the configured number of attempts.
func (c *Coordinator) Contribute(ctx context.Context, addr common.Address, src Source) (uint64, error) {
	l := c.log.With("attempt", uuid.New().String(), "address", addr.String())
	bid, err := c.admit(ctx, addr)
	if err != nil {
		return 0, c.outcome(l, err)
	}
	l.Debugw("candidate admitted", "bid", bid.Amount.String())
	ctx = log.ToContext(ctx, l)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-c.clock.After(c.backoff):
			}
		}

		tip, err := c.CurrentTip(ctx)
		if err != nil {
			return 0, c.outcome(l, err)
		}
		if err := c.open(tip.Slot); err != nil {
			return 0, c.outcome(l, err)
		}

		c.setPhase(AwaitingContribution)
		raw, err := src.Contribution(ctx, tip)
		if err != nil {
			return 0, c.outcome(l, fmt.Errorf("obtaining contribution: %w", err))
		}

		slot, err := c.commit(ctx, l, addr, tip, raw)
		if errors.Is(err, ledger.ErrConflict) {
			l.Infow("tip moved, retrying", "tip", tip.Slot, "attempt", attempt)
			lastErr = err
			continue
		}
		return slot, c.outcome(l, err)
	}
	return 0, c.outcome(l, fmt.Errorf("gave up after %d attempts: %w", c.maxAttempts, lastErr))
}

// commit validates raw against tip and appends it conditioned on tip still
// being current.
func (c *Coordinator) commit(ctx context.Context, l log.Logger, addr common.Address, tip *ledger.Tip, raw *crs.RawContribution) (uint64, error) {
	if err := c.open(tip.Slot); err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, fmt.Errorf("%w: empty contribution", ErrInvalidContribution)
	}
	if !bytes.Equal(raw.Parent, tip.CRS.Hash()) {
		return 0, ErrStaleContribution
	}

	c.setPhase(Validating)
	start := c.clock.Now()
	contribution, err := c.validator.ValidateExtends(ctx, raw, tip.CRS)
	metrics.ValidationDuration.Observe(c.clock.Since(start).Seconds())
	if err != nil {
		c.setPhase(Rejected)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %w", ErrInvalidContribution, err)
	}

	slot, err := c.ledger.AppendContribution(ctx, addr, tip.Slot, contribution)
	switch {
	case errors.Is(err, ledger.ErrConflict):
		c.setPhase(Rejected)
		metrics.LedgerConflicts.Inc()
		return 0, err
	case errors.Is(err, ledger.ErrAlreadyContributed):
		c.setPhase(Rejected)
		return 0, ErrAlreadyContributed
	case err != nil:
		c.setPhase(Rejected)
		return 0, err
	}

	c.setPhase(Committed)
	metrics.CurrentSlot.Set(float64(slot))
	l.Infow("contribution committed", "slot", slot, "crs", contribution.NewElements().String())
	dropped := c.callbacks.dispatch(&Commit{
		Slot:         slot,
		Contributor:  addr,
		Contribution: contribution,
	})
	if len(dropped) > 0 {
		l.Warnw("callback queues full, commit not delivered", "slot", slot, "callbacks", dropped)
	}
	return slot, nil
}

// outcome records the result of an attempt.
func (c *Coordinator) outcome(l log.Logger, err error) error {
	var label string
	switch {
	case err == nil:
		label = "committed"
	case errors.Is(err, ErrIneligible), errors.Is(err, ErrBanned), errors.Is(err, ErrAlreadyContributed):
		label = "ineligible"
	case errors.Is(err, ErrInvalidContribution):
		label = "rejected"
	case errors.Is(err, ledger.ErrConflict):
		label = "conflict"
	case errors.Is(err, ErrCeremonyClosed):
		label = "closed"
	default:
		label = "error"
	}
	if err != nil {
		metrics.ContributionAttempts.WithLabelValues(label).Inc()
		l.Infow("contribution not committed", "outcome", label, "err", err)
		return c.observe(err)
	}
	metrics.ContributionAttempts.WithLabelValues(label).Inc()
	return nil
}
