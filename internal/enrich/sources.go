package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"authwatch/internal/config"
)

// GeoResult is one geolocation provider answer.
type GeoResult struct {
	Country      string  `json:"country_code"`
	CountryName  string  `json:"country_name"`
	City         string  `json:"city"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	ASN          int     `json:"asn"`
	ASNOrg       string  `json:"asn_org"`
	IsProxy      bool    `json:"is_proxy"`
	IsVPN        bool    `json:"is_vpn"`
	IsTor        bool    `json:"is_tor"`
	IsDatacenter bool    `json:"is_datacenter"`
	Confidence   float64 `json:"confidence"`
}

// ReputationResult is one reputation provider answer: scores in [0,100]
// with confidences in [0,1], keyed by the provider's source names.
type ReputationResult struct {
	Scores     map[string]float64 `json:"scores"`
	Confidence map[string]float64 `json:"confidence"`
}

// GeoLookup resolves location attributes for an address.
type GeoLookup interface {
	LookupGeo(ctx context.Context, address string) (*GeoResult, error)
}

// ReputationLookup resolves reputation attributes for an address.
type ReputationLookup interface {
	LookupReputation(ctx context.Context, address string) (*ReputationResult, error)
}

// HTTPSources calls the external geolocation and reputation services.
// Both endpoints answer GET /v1/{kind}/{address} with JSON.
type HTTPSources struct {
	geoURL string
	repURL string
	client *http.Client
}

func NewHTTPSources(cfg *config.Config) *HTTPSources {
	return &HTTPSources{
		geoURL: cfg.Enrichment.GeoProviderURL,
		repURL: cfg.Enrichment.ReputationProviderURL,
		client: &http.Client{Timeout: cfg.Enrichment.LookupTimeout},
	}
}

func (s *HTTPSources) LookupGeo(ctx context.Context, address string) (*GeoResult, error) {
	result := &GeoResult{}
	if err := s.getJSON(ctx, s.geoURL, "geo", address, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *HTTPSources) LookupReputation(ctx context.Context, address string) (*ReputationResult, error) {
	result := &ReputationResult{}
	if err := s.getJSON(ctx, s.repURL, "reputation", address, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *HTTPSources) getJSON(ctx context.Context, base, kind, address string, target interface{}) error {
	if base == "" {
		return fmt.Errorf("%s provider is not configured", kind)
	}

	endpoint := fmt.Sprintf("%s/v1/%s/%s", base, kind, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build %s lookup request: %w", kind, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s lookup failed: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s lookup returned status %d", kind, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode %s lookup response: %w", kind, err)
	}
	return nil
}

var _ GeoLookup = (*HTTPSources)(nil)
var _ ReputationLookup = (*HTTPSources)(nil)
