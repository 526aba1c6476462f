// Package admission gates participation in the ceremony. An address may
// contribute once, when it is not banned and has sent at least the minimum
// bid to the ceremony's receiving address.
package admission

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/drand/summoner/common"
	"github.com/drand/summoner/common/log"
	"github.com/drand/summoner/metrics"
)

// MinBidAmount is the default smallest cumulative amount making an address
// eligible.
const MinBidAmount common.Amount = 1

// ChainObserver reads chain state maintained outside the ceremony.
type ChainObserver interface {
	// TotalAmountSentTo returns the cumulative amount addr has sent to the
	// ceremony's receiving address.
	TotalAmountSentTo(ctx context.Context, addr common.Address) (common.Amount, error)
}

// ContributionChecker tells whether an address already owns a slot.
type ContributionChecker interface {
	HasContributed(ctx context.Context, addr common.Address) (bool, error)
}

// BanChecker tells whether an address is on the ban list.
type BanChecker interface {
	IsBanned(ctx context.Context, addr common.Address) (bool, error)
}

// Reason explains an admission decision.
type Reason string

const (
	ReasonEligible           Reason = "eligible"
	ReasonBanned             Reason = "banned"
	ReasonAlreadyContributed Reason = "already_contributed"
	ReasonBidTooLow          Reason = "bid_too_low"
)

// Bid is the amount an eligible address committed, observed at a given time.
type Bid struct {
	Address    common.Address
	Amount     common.Amount
	ObservedAt time.Time
}

// Decision is the outcome of an admission check. Bid is only set when the
// address is eligible.
type Decision struct {
	Address common.Address
	Reason  Reason
	Bid     *Bid
}

// Eligible reports whether the address may contribute.
func (d Decision) Eligible() bool {
	return d.Reason == ReasonEligible
}

// Gate resolves eligibility and bids for candidate addresses. It is safe for
// concurrent use as long as its collaborators are.
type Gate struct {
	log           log.Logger
	observer      ChainObserver
	contributions ContributionChecker
	bans          BanChecker
	minBid        common.Amount
	clock         clockwork.Clock
}

// Option configures a Gate.
type Option func(*Gate)

// WithMinBid sets the eligibility threshold.
func WithMinBid(min common.Amount) Option {
	return func(g *Gate) {
		g.minBid = min
	}
}

// WithContributionChecker rejects addresses that already contributed.
func WithContributionChecker(c ContributionChecker) Option {
	return func(g *Gate) {
		g.contributions = c
	}
}

// WithBanChecker rejects banned addresses.
func WithBanChecker(b BanChecker) Option {
	return func(g *Gate) {
		g.bans = b
	}
}

// WithClock sets the clock used to stamp bids.
func WithClock(clock clockwork.Clock) Option {
	return func(g *Gate) {
		g.clock = clock
	}
}

// NewGate returns a gate querying observer for bids.
func NewGate(l log.Logger, observer ChainObserver, opts ...Option) *Gate {
	g := &Gate{
		log:      l.Named("admission"),
		observer: observer,
		minBid:   MinBidAmount,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MinBid returns the eligibility threshold in use.
func (g *Gate) MinBid() common.Amount {
	return g.minBid
}

// Check decides whether addr may contribute. The ban list and the ledger are
// consulted before the chain observer so rejected addresses cost no lookup.
func (g *Gate) Check(ctx context.Context, addr common.Address) (Decision, error) {
	d, err := g.check(ctx, addr)
	if err != nil {
		metrics.AdmissionDecisions.WithLabelValues("error").Inc()
		return d, err
	}
	metrics.AdmissionDecisions.WithLabelValues(string(d.Reason)).Inc()
	g.log.Debugw("admission decided", "address", addr.String(), "reason", d.Reason)
	return d, nil
}

func (g *Gate) check(ctx context.Context, addr common.Address) (Decision, error) {
	d := Decision{Address: addr}

	if g.bans != nil {
		banned, err := g.bans.IsBanned(ctx, addr)
		if err != nil {
			return d, fmt.Errorf("checking ban list: %w", err)
		}
		if banned {
			d.Reason = ReasonBanned
			return d, nil
		}
	}

	if g.contributions != nil {
		done, err := g.contributions.HasContributed(ctx, addr)
		if err != nil {
			return d, fmt.Errorf("checking contributors: %w", err)
		}
		if done {
			d.Reason = ReasonAlreadyContributed
			return d, nil
		}
	}

	amount, err := g.observer.TotalAmountSentTo(ctx, addr)
	if err != nil {
		return d, fmt.Errorf("%w: %w", ErrObserverUnavailable, err)
	}
	if amount < g.minBid {
		d.Reason = ReasonBidTooLow
		return d, nil
	}

	d.Reason = ReasonEligible
	d.Bid = &Bid{
		Address:    addr,
		Amount:     amount,
		ObservedAt: g.clock.Now(),
	}
	return d, nil
}

// CanContribute returns the bid of addr, or nil when addr is not eligible.
// Ineligibility is not an error.
func (g *Gate) CanContribute(ctx context.Context, addr common.Address) (*Bid, error) {
	d, err := g.Check(ctx, addr)
	if err != nil {
		return nil, err
	}
	return d.Bid, nil
}

// Rank orders bids by amount, highest first. Equal bids keep the order in
// which they were observed, earliest first.
func Rank(bids []Bid) []Bid {
	ranked := make([]Bid, len(bids))
	copy(ranked, bids)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Amount != ranked[j].Amount {
			return ranked[i].Amount > ranked[j].Amount
		}
		return ranked[i].ObservedAt.Before(ranked[j].ObservedAt)
	})
	return ranked
}
