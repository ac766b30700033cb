package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authwatch/internal/config"
	"authwatch/internal/model"
)

type fakeGeoRepCache struct {
	mu      sync.Mutex
	records map[string]*model.GeoReputationRecord
}

func newFakeGeoRepCache() *fakeGeoRepCache {
	return &fakeGeoRepCache{records: map[string]*model.GeoReputationRecord{}}
}

func (f *fakeGeoRepCache) Get(ctx context.Context, address string) (*model.GeoReputationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[address], nil
}

func (f *fakeGeoRepCache) Put(ctx context.Context, record *model.GeoReputationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.Address] = record
	return nil
}

type fakeGeoLookup struct {
	calls  atomic.Int64
	result *GeoResult
	err    error
}

func (f *fakeGeoLookup) LookupGeo(ctx context.Context, address string) (*GeoResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeRepLookup struct {
	calls  atomic.Int64
	result *ReputationResult
	err    error
}

func (f *fakeRepLookup) LookupReputation(ctx context.Context, address string) (*ReputationResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestResolver(cache model.GeoReputationCache, geo GeoLookup, rep ReputationLookup) *Resolver {
	return NewResolver(cache, geo, rep, config.Get(), zap.NewNop())
}

func TestResolvePopulatesBothHalves(t *testing.T) {
	cache := newFakeGeoRepCache()
	geo := &fakeGeoLookup{result: &GeoResult{Country: "DE", City: "Berlin", IsVPN: true, Confidence: 0.9}}
	rep := &fakeRepLookup{result: &ReputationResult{
		Scores:     map[string]float64{"feed_a": 80},
		Confidence: map[string]float64{"feed_a": 0.7},
	}}

	resolver := newTestResolver(cache, geo, rep)

	record, err := resolver.Resolve(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, "DE", record.Country)
	assert.True(t, record.IsVPN)
	assert.Equal(t, 80.0, record.ReputationScores["feed_a"])
	assert.True(t, record.GeoFresh(time.Now().UTC()))
	assert.True(t, record.RepFresh(time.Now().UTC()))
}

func TestResolveFreshCacheHitSkipsProviders(t *testing.T) {
	cache := newFakeGeoRepCache()
	geo := &fakeGeoLookup{result: &GeoResult{Country: "DE"}}
	rep := &fakeRepLookup{result: &ReputationResult{}}
	resolver := newTestResolver(cache, geo, rep)

	_, err := resolver.Resolve(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	assert.Equal(t, int64(1), geo.calls.Load())
	assert.Equal(t, int64(1), rep.calls.Load())
}

func TestResolveHalvesFailIndependently(t *testing.T) {
	cache := newFakeGeoRepCache()
	geo := &fakeGeoLookup{err: errors.New("geo provider down")}
	rep := &fakeRepLookup{result: &ReputationResult{
		Scores:     map[string]float64{"feed_a": 60},
		Confidence: map[string]float64{"feed_a": 0.5},
	}}
	resolver := newTestResolver(cache, geo, rep)

	record, err := resolver.Resolve(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	assert.True(t, record.GeoRefreshedAt.IsZero(), "geo half stays unresolved")
	assert.False(t, record.RepRefreshedAt.IsZero(), "reputation half resolved anyway")
	assert.Equal(t, 60.0, record.ReputationScores["feed_a"])
}

func TestResolveStaleGeoKeepsPreviousOnFailure(t *testing.T) {
	cache := newFakeGeoRepCache()
	now := time.Now().UTC()

	// Seed a record whose geo half has expired but still carries data.
	cache.records["203.0.113.9"] = &model.GeoReputationRecord{
		Address:              "203.0.113.9",
		Country:              "FR",
		IsTor:                true,
		GeoRefreshedAt:       now.Add(-48 * time.Hour),
		GeoRefreshAfter:      now.Add(-24 * time.Hour),
		RepRefreshedAt:       now,
		RepRefreshAfter:      now.Add(time.Hour),
		ReputationScores:     map[string]float64{"feed_a": 40},
		ReputationConfidence: map[string]float64{"feed_a": 0.5},
	}

	geo := &fakeGeoLookup{err: errors.New("geo provider down")}
	rep := &fakeRepLookup{result: &ReputationResult{}}
	resolver := newTestResolver(cache, geo, rep)

	record, err := resolver.Resolve(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	// Stale geo data survives the failed refresh.
	assert.Equal(t, "FR", record.Country)
	assert.True(t, record.IsTor)
	assert.Equal(t, int64(1), geo.calls.Load())
	assert.Equal(t, int64(0), rep.calls.Load(), "fresh reputation half is not refreshed")
}

func TestResolveMergesReputationPerSource(t *testing.T) {
	cache := newFakeGeoRepCache()
	now := time.Now().UTC()

	cache.records["203.0.113.9"] = &model.GeoReputationRecord{
		Address:              "203.0.113.9",
		GeoRefreshedAt:       now,
		GeoRefreshAfter:      now.Add(time.Hour),
		RepRefreshedAt:       now.Add(-48 * time.Hour),
		RepRefreshAfter:      now.Add(-24 * time.Hour),
		ReputationScores:     map[string]float64{"feed_a": 40, "feed_b": 90},
		ReputationConfidence: map[string]float64{"feed_a": 0.5, "feed_b": 0.8},
	}

	// The new answer updates feed_a and omits feed_b.
	rep := &fakeRepLookup{result: &ReputationResult{
		Scores:     map[string]float64{"feed_a": 70},
		Confidence: map[string]float64{"feed_a": 0.9},
	}}
	resolver := newTestResolver(cache, &fakeGeoLookup{}, rep)

	record, err := resolver.Resolve(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	assert.Equal(t, 70.0, record.ReputationScores["feed_a"])
	assert.Equal(t, 0.9, record.ReputationConfidence["feed_a"])
	assert.Equal(t, 90.0, record.ReputationScores["feed_b"], "absent source keeps previous score")
	assert.Equal(t, 0.8, record.ReputationConfidence["feed_b"])
}

func TestResolveErrorsOnlyWhenNothingEverResolved(t *testing.T) {
	cache := newFakeGeoRepCache()
	geo := &fakeGeoLookup{err: errors.New("geo down")}
	rep := &fakeRepLookup{err: errors.New("rep down")}
	resolver := newTestResolver(cache, geo, rep)

	record, err := resolver.Resolve(context.Background(), "203.0.113.9")
	assert.Error(t, err)
	assert.Nil(t, record)
}

func TestResolveCollapsesConcurrentLookups(t *testing.T) {
	cache := newFakeGeoRepCache()
	geo := &fakeGeoLookup{result: &GeoResult{Country: "DE"}}
	rep := &fakeRepLookup{result: &ReputationResult{}}
	resolver := newTestResolver(cache, geo, rep)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := resolver.Resolve(context.Background(), "203.0.113.9")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Concurrent callers share flights; with the post-flight cache
	// re-read, far fewer lookups happen than callers.
	assert.LessOrEqual(t, geo.calls.Load(), int64(2))
}
