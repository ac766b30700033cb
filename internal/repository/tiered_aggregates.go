package repository

import (
	"context"
	"time"

	"go.uber.org/zap"

	"authwatch/internal/model"
	"authwatch/internal/util"
)

// HotAggregateProvider is an AggregateProvider that only tracks some
// windows.
type HotAggregateProvider interface {
	model.AggregateProvider
	Covers(window time.Duration) bool
}

// TieredAggregates serves covered windows from the hot counter cache
// and everything else from the analytics store. A hot-tier failure
// falls through to the cold tier rather than failing the evaluation.
type TieredAggregates struct {
	hot  HotAggregateProvider
	cold model.AggregateProvider
}

func NewTieredAggregates(hot HotAggregateProvider, cold model.AggregateProvider) *TieredAggregates {
	return &TieredAggregates{hot: hot, cold: cold}
}

func (t *TieredAggregates) Aggregate(ctx context.Context, address string, window time.Duration) (*model.AddressAggregate, error) {
	if t.hot != nil && t.hot.Covers(window) {
		agg, err := t.hot.Aggregate(ctx, address, window)
		if err == nil {
			return agg, nil
		}
		util.Warn("Hot aggregate tier failed, falling back to analytics store",
			zap.String("address", address),
			zap.Duration("window", window),
			zap.Error(err))
	}
	return t.cold.Aggregate(ctx, address, window)
}

var _ model.AggregateProvider = (*TieredAggregates)(nil)
