// Package observer reads ceremony bids from the Algorand chain.
package observer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/indexer"

	"github.com/drand/summoner/common"
	"github.com/drand/summoner/common/log"
	"github.com/drand/summoner/metrics"
)

// DefaultPageSize is the number of transactions requested per indexer page.
const DefaultPageSize = 1000

// ErrOverflow is returned when the summed payments do not fit an Amount.
var ErrOverflow = errors.New("payment total overflows")

// searchFunc returns one page of payment transactions sent by sender.
type searchFunc func(ctx context.Context, sender, next string, limit uint64) (models.TransactionsResponse, error)

// Indexer sums the confirmed payments an address sent to the ceremony's
// receiving address, as reported by an Algorand indexer.
type Indexer struct {
	log      log.Logger
	search   searchFunc
	receiver string
	pageSize uint64
}

// NewIndexer returns an observer querying the indexer at url.
func NewIndexer(l log.Logger, url, token string, receiver common.Address) (*Indexer, error) {
	client, err := indexer.MakeClient(url, token)
	if err != nil {
		return nil, fmt.Errorf("indexer client: %w", err)
	}
	search := func(ctx context.Context, sender, next string, limit uint64) (models.TransactionsResponse, error) {
		req := client.SearchForTransactions().
			AddressString(sender).
			AddressRole("sender").
			TxType("pay").
			Limit(limit)
		if next != "" {
			req = req.NextToken(next)
		}
		return req.Do(ctx)
	}
	return newIndexer(l, search, receiver), nil
}

func newIndexer(l log.Logger, search searchFunc, receiver common.Address) *Indexer {
	return &Indexer{
		log:      l.Named("observer"),
		search:   search,
		receiver: receiver.String(),
		pageSize: DefaultPageSize,
	}
}

// TotalAmountSentTo walks every page of payments sent by addr and sums those
// received by the ceremony address.
func (i *Indexer) TotalAmountSentTo(ctx context.Context, addr common.Address) (common.Amount, error) {
	var (
		total uint64
		next  string
		pages int
	)
	for {
		resp, err := i.search(ctx, addr.String(), next, i.pageSize)
		if err != nil {
			metrics.ObserverRequests.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("searching payments of %s: %w", addr, err)
		}
		pages++

		for _, tx := range resp.Transactions {
			pay := tx.PaymentTransaction
			if pay.Receiver != i.receiver {
				continue
			}
			if total > math.MaxUint64-pay.Amount {
				metrics.ObserverRequests.WithLabelValues("error").Inc()
				return 0, ErrOverflow
			}
			total += pay.Amount
		}

		if resp.NextToken == "" || len(resp.Transactions) == 0 {
			break
		}
		next = resp.NextToken
	}

	metrics.ObserverRequests.WithLabelValues("ok").Inc()
	i.log.Debugw("payments summed", "address", addr.String(), "total", total, "pages", pages)
	return common.Amount(total), nil
}
