package enrich

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"authwatch/internal/config"
	"authwatch/internal/model"
	"authwatch/internal/util"
)

// Resolver produces the current GeoReputationRecord for an address.
// Cache hits with both halves fresh return immediately; anything else
// refreshes the stale halves behind a singleflight group so a burst of
// events from one address costs one lookup per provider.
//
// The two halves fail independently: a geo provider outage refreshes
// reputation and keeps whatever geo data the record already had, and
// vice versa. A reputation source absent from the latest answer keeps
// its previous score rather than being dropped.
type Resolver struct {
	cache  model.GeoReputationCache
	geo    GeoLookup
	rep    ReputationLookup
	geoTTL time.Duration
	repTTL time.Duration
	group  singleflight.Group
	now    func() time.Time
}

func NewResolver(cache model.GeoReputationCache, geo GeoLookup, rep ReputationLookup, cfg *config.Config, logger *zap.Logger) *Resolver {
	return &Resolver{
		cache:  cache,
		geo:    geo,
		rep:    rep,
		geoTTL: cfg.Enrichment.GeoTTL,
		repTTL: cfg.Enrichment.ReputationTTL,
		now:    time.Now,
	}
}

// Resolve returns the record for an address. The record may be partial
// or stale when providers are down; it is nil only when the address has
// never resolved anything at all.
func (r *Resolver) Resolve(ctx context.Context, address string) (*model.GeoReputationRecord, error) {
	now := r.now().UTC()

	record, err := r.cache.Get(ctx, address)
	if err != nil {
		util.Warn("Geo/reputation cache read failed",
			zap.String("address", address),
			zap.Error(err))
	} else if record != nil && record.GeoFresh(now) && record.RepFresh(now) {
		return record, nil
	}

	result, err, _ := r.group.Do(address, func() (interface{}, error) {
		return r.refresh(ctx, address)
	})
	if err != nil {
		return nil, err
	}
	return result.(*model.GeoReputationRecord), nil
}

func (r *Resolver) refresh(ctx context.Context, address string) (*model.GeoReputationRecord, error) {
	now := r.now().UTC()

	// Re-read inside the flight: a concurrent caller may have already
	// refreshed the record while this one waited.
	record, err := r.cache.Get(ctx, address)
	if err != nil {
		record = nil
	}
	if record != nil && record.GeoFresh(now) && record.RepFresh(now) {
		return record, nil
	}
	if record == nil {
		record = &model.GeoReputationRecord{
			Address:              address,
			ReputationScores:     map[string]float64{},
			ReputationConfidence: map[string]float64{},
		}
	}

	geoOK, repOK := true, true
	if !record.GeoFresh(now) {
		geoOK = r.refreshGeo(ctx, record, now)
	}
	if !record.RepFresh(now) {
		repOK = r.refreshReputation(ctx, record, now)
	}

	if !geoOK && !repOK && record.GeoRefreshedAt.IsZero() && record.RepRefreshedAt.IsZero() {
		return nil, fmt.Errorf("no geo or reputation data available for %s", address)
	}

	if err := r.cache.Put(ctx, record); err != nil {
		util.Warn("Geo/reputation cache write failed",
			zap.String("address", address),
			zap.Error(err))
	}
	return record, nil
}

func (r *Resolver) refreshGeo(ctx context.Context, record *model.GeoReputationRecord, now time.Time) bool {
	result, err := r.geo.LookupGeo(ctx, record.Address)
	if err != nil {
		util.Warn("Geo lookup failed, keeping previous geo data",
			zap.String("address", record.Address),
			zap.Error(err))
		return false
	}

	record.Country = result.Country
	record.CountryName = result.CountryName
	record.City = result.City
	record.Latitude = result.Latitude
	record.Longitude = result.Longitude
	record.ASN = result.ASN
	record.ASNOrg = result.ASNOrg
	record.IsProxy = result.IsProxy
	record.IsVPN = result.IsVPN
	record.IsTor = result.IsTor
	record.IsDatacenter = result.IsDatacenter
	record.GeoConfidence = result.Confidence
	record.GeoRefreshedAt = now
	record.GeoRefreshAfter = now.Add(r.geoTTL)
	return true
}

func (r *Resolver) refreshReputation(ctx context.Context, record *model.GeoReputationRecord, now time.Time) bool {
	result, err := r.rep.LookupReputation(ctx, record.Address)
	if err != nil {
		util.Warn("Reputation lookup failed, keeping previous scores",
			zap.String("address", record.Address),
			zap.Error(err))
		return false
	}

	if record.ReputationScores == nil {
		record.ReputationScores = map[string]float64{}
	}
	if record.ReputationConfidence == nil {
		record.ReputationConfidence = map[string]float64{}
	}

	// Merge per source: sources missing from this answer keep their
	// previous score.
	for source, score := range result.Scores {
		record.ReputationScores[source] = score
		record.ReputationConfidence[source] = result.Confidence[source]
	}

	record.RepRefreshedAt = now
	record.RepRefreshAfter = now.Add(r.repTTL)
	return true
}
