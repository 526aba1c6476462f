package observer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/drand/summoner/common"
	"github.com/drand/summoner/common/testlogger"
)

func address(i byte) common.Address {
	var a common.Address
	a[31] = i
	return a
}

func payment(to common.Address, amount uint64) models.Transaction {
	return models.Transaction{
		Type: "pay",
		PaymentTransaction: models.TransactionPayment{
			Amount:   amount,
			Receiver: to.String(),
		},
	}
}

func TestIndexerSumsPages(t *testing.T) {
	sender, receiver, other := address(1), address(2), address(3)
	pages := map[string]models.TransactionsResponse{
		"": {
			NextToken:    "p2",
			Transactions: []models.Transaction{payment(receiver, 3), payment(other, 100)},
		},
		"p2": {
			NextToken:    "p3",
			Transactions: []models.Transaction{payment(receiver, 2)},
		},
		"p3": {
			NextToken: "p4",
		},
	}

	var seen []string
	search := func(_ context.Context, from, next string, limit uint64) (models.TransactionsResponse, error) {
		require.Equal(t, sender.String(), from)
		require.Equal(t, uint64(DefaultPageSize), limit)
		seen = append(seen, next)
		return pages[next], nil
	}

	i := newIndexer(testlogger.New(t), search, receiver)
	total, err := i.TotalAmountSentTo(context.Background(), sender)
	require.NoError(t, err)
	require.Equal(t, common.Amount(5), total)
	require.Equal(t, []string{"", "p2", "p3"}, seen)
}

func TestIndexerErrors(t *testing.T) {
	receiver := address(2)
	boom := errors.New("503")
	i := newIndexer(testlogger.New(t), func(context.Context, string, string, uint64) (models.TransactionsResponse, error) {
		return models.TransactionsResponse{}, boom
	}, receiver)
	_, err := i.TotalAmountSentTo(context.Background(), address(1))
	require.ErrorIs(t, err, boom)

	i = newIndexer(testlogger.New(t), func(context.Context, string, string, uint64) (models.TransactionsResponse, error) {
		return models.TransactionsResponse{
			Transactions: []models.Transaction{payment(receiver, math.MaxUint64), payment(receiver, 1)},
		}, nil
	}, receiver)
	_, err = i.TotalAmountSentTo(context.Background(), address(1))
	require.ErrorIs(t, err, ErrOverflow)
}

type countingObserver struct {
	calls   atomic.Int32
	amounts map[common.Address]common.Amount
	gate    chan struct{}
}

func (c *countingObserver) TotalAmountSentTo(_ context.Context, addr common.Address) (common.Amount, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	amount, ok := c.amounts[addr]
	if !ok {
		return 0, fmt.Errorf("unknown %s", addr)
	}
	return amount, nil
}

func TestCachedTTL(t *testing.T) {
	ctx := context.Background()
	a := address(1)
	inner := &countingObserver{amounts: map[common.Address]common.Amount{a: 7}}
	clock := clockwork.NewFakeClock()
	c, err := NewCached(inner, 8, time.Minute, clock)
	require.NoError(t, err)

	for n := 0; n < 3; n++ {
		amount, err := c.TotalAmountSentTo(ctx, a)
		require.NoError(t, err)
		require.Equal(t, common.Amount(7), amount)
	}
	require.Equal(t, int32(1), inner.calls.Load())

	clock.Advance(time.Minute)
	inner.amounts[a] = 9
	amount, err := c.TotalAmountSentTo(ctx, a)
	require.NoError(t, err)
	require.Equal(t, common.Amount(9), amount)
	require.Equal(t, int32(2), inner.calls.Load())

	c.Forget(a)
	_, err = c.TotalAmountSentTo(ctx, a)
	require.NoError(t, err)
	require.Equal(t, int32(3), inner.calls.Load())
}

func TestCachedErrorsAreNotKept(t *testing.T) {
	ctx := context.Background()
	inner := &countingObserver{amounts: map[common.Address]common.Amount{}}
	c, err := NewCached(inner, 8, time.Minute, clockwork.NewFakeClock())
	require.NoError(t, err)

	_, err = c.TotalAmountSentTo(ctx, address(1))
	require.Error(t, err)
	_, err = c.TotalAmountSentTo(ctx, address(1))
	require.Error(t, err)
	require.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedSharesInflightLookups(t *testing.T) {
	a := address(1)
	inner := &countingObserver{
		amounts: map[common.Address]common.Amount{a: 4},
		gate:    make(chan struct{}),
	}
	c, err := NewCached(inner, 8, time.Minute, clockwork.NewFakeClock())
	require.NoError(t, err)

	const n = 8
	var started sync.WaitGroup
	started.Add(n)
	g, ctx := errgroup.WithContext(context.Background())
	for k := 0; k < n; k++ {
		g.Go(func() error {
			started.Done()
			amount, err := c.TotalAmountSentTo(ctx, a)
			if err != nil {
				return err
			}
			if amount != 4 {
				return fmt.Errorf("got %d", amount)
			}
			return nil
		})
	}
	started.Wait()
	require.Eventually(t, func() bool { return inner.calls.Load() >= 1 }, time.Second, time.Millisecond)
	close(inner.gate)
	require.NoError(t, g.Wait())
	require.LessOrEqual(t, inner.calls.Load(), int32(n))
	require.GreaterOrEqual(t, inner.calls.Load(), int32(1))
}
