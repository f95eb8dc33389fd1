package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/punchamoorthee/settlement/internal/common"
	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/punchamoorthee/settlement/internal/ledger"
	"golang.org/x/sync/errgroup"
)

// PriceFeed reads oracle answers. ledger.Client satisfies it.
type PriceFeed interface {
	Price(ctx context.Context, symbol string) (int64, error)
}

// PriceView is one oracle answer scaled by ledger.PriceDecimals. Error is set instead of Price
// when the feed could not be read.
type PriceView struct {
	Symbol string `json:"symbol"`
	Price  int64  `json:"price"`
	Error  string `json:"error,omitempty"`
}

const priceConcurrency = 4

// Price reads the latest answer for one symbol.
func (f *Facade) Price(ctx context.Context, symbol string) (*PriceView, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, &domain.ValidationError{Field: "symbol", Reason: "required"}
	}
	price, err := f.feed.Price(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("price of %s: %w", symbol, err)
	}
	return &PriceView{Symbol: symbol, Price: price}, nil
}

// Prices reads every deployed feed plus any confirmed through add_oracle, sorted by symbol.
// A feed that fails is reported in its view rather than failing the whole call.
func (f *Facade) Prices(ctx context.Context) ([]*PriceView, error) {
	symbols := make(map[string]struct{}, len(ledger.DefaultOracles))
	for sym := range ledger.DefaultOracles {
		symbols[sym] = struct{}{}
	}
	oracles, err := f.store.ListRecords(ctx, domain.RecordFilter{Kind: domain.RecordOracle})
	if err != nil {
		return nil, fmt.Errorf("list oracles: %w", err)
	}
	for _, o := range oracles {
		symbols[o.Key] = struct{}{}
	}

	views := make([]*PriceView, 0, len(symbols))
	for sym := range symbols {
		views = append(views, &PriceView{Symbol: sym})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Symbol < views[j].Symbol })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(priceConcurrency)
	for _, v := range views {
		v := v
		g.Go(func() error {
			price, err := f.feed.Price(gctx, v.Symbol)
			if err != nil {
				common.Log.Debugf("price of %s unavailable; %s", v.Symbol, err.Error())
				v.Error = err.Error()
				return nil
			}
			v.Price = price
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}
