package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/drand/summoner/common"
	"github.com/drand/summoner/common/testlogger"
)

type fakeObserver struct {
	sync.Mutex
	amounts map[common.Address]common.Amount
	calls   int
	err     error
}

func (f *fakeObserver) TotalAmountSentTo(_ context.Context, addr common.Address) (common.Amount, error) {
	f.Lock()
	defer f.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.amounts[addr], nil
}

type addressSet map[common.Address]bool

func (s addressSet) HasContributed(_ context.Context, addr common.Address) (bool, error) {
	return s[addr], nil
}

func (s addressSet) IsBanned(_ context.Context, addr common.Address) (bool, error) {
	return s[addr], nil
}

func address(i byte) common.Address {
	var a common.Address
	a[0] = i
	return a
}

func TestCanContributeThreshold(t *testing.T) {
	ctx := context.Background()
	a, b := address(1), address(2)
	obs := &fakeObserver{amounts: map[common.Address]common.Amount{b: 5}}
	g := NewGate(testlogger.New(t), obs)
	require.Equal(t, MinBidAmount, g.MinBid())

	bid, err := g.CanContribute(ctx, a)
	require.NoError(t, err)
	require.Nil(t, bid)

	bid, err = g.CanContribute(ctx, b)
	require.NoError(t, err)
	require.NotNil(t, bid)
	require.Equal(t, common.Amount(5), bid.Amount)
	require.Equal(t, b, bid.Address)
}

func TestMinBidBoundary(t *testing.T) {
	ctx := context.Background()
	a := address(1)
	obs := &fakeObserver{amounts: map[common.Address]common.Amount{a: 99}}

	g := NewGate(testlogger.New(t), obs, WithMinBid(100))
	d, err := g.Check(ctx, a)
	require.NoError(t, err)
	require.False(t, d.Eligible())
	require.Equal(t, ReasonBidTooLow, d.Reason)
	require.Nil(t, d.Bid)

	g = NewGate(testlogger.New(t), obs, WithMinBid(99))
	d, err = g.Check(ctx, a)
	require.NoError(t, err)
	require.True(t, d.Eligible())
	require.Equal(t, common.Amount(99), d.Bid.Amount)
}

func TestBannedAndContributedSkipObserver(t *testing.T) {
	ctx := context.Background()
	banned, done, fresh := address(1), address(2), address(3)
	obs := &fakeObserver{amounts: map[common.Address]common.Amount{banned: 10, done: 10, fresh: 10}}
	g := NewGate(testlogger.New(t), obs,
		WithBanChecker(addressSet{banned: true}),
		WithContributionChecker(addressSet{done: true}),
	)

	d, err := g.Check(ctx, banned)
	require.NoError(t, err)
	require.Equal(t, ReasonBanned, d.Reason)

	d, err = g.Check(ctx, done)
	require.NoError(t, err)
	require.Equal(t, ReasonAlreadyContributed, d.Reason)
	require.Equal(t, 0, obs.calls)

	d, err = g.Check(ctx, fresh)
	require.NoError(t, err)
	require.True(t, d.Eligible())
	require.Equal(t, 1, obs.calls)
}

func TestObserverFailure(t *testing.T) {
	boom := errors.New("indexer down")
	g := NewGate(testlogger.New(t), &fakeObserver{err: boom})

	bid, err := g.CanContribute(context.Background(), address(1))
	require.Nil(t, bid)
	require.ErrorIs(t, err, ErrObserverUnavailable)
	require.ErrorIs(t, err, boom)
}

func TestBidTimestamp(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := address(1)
	g := NewGate(testlogger.New(t), &fakeObserver{amounts: map[common.Address]common.Amount{a: 1}},
		WithClock(clockwork.NewFakeClockAt(at)))

	bid, err := g.CanContribute(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, at, bid.ObservedAt)
}

func TestRank(t *testing.T) {
	t0 := time.Unix(1000, 0)
	bids := []Bid{
		{Address: address(1), Amount: 5, ObservedAt: t0.Add(2 * time.Second)},
		{Address: address(2), Amount: 10, ObservedAt: t0.Add(3 * time.Second)},
		{Address: address(3), Amount: 5, ObservedAt: t0},
		{Address: address(4), Amount: 1, ObservedAt: t0.Add(time.Second)},
	}

	ranked := Rank(bids)
	order := make([]byte, 0, len(ranked))
	for _, b := range ranked {
		order = append(order, b.Address[0])
	}
	require.Equal(t, []byte{2, 3, 1, 4}, order)
	// input is untouched
	require.Equal(t, byte(1), bids[0].Address[0])
}
