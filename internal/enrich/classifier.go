package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"authwatch/internal/config"
	"authwatch/internal/model"
)

// Prediction is the anomaly classifier's verdict for one event.
type Prediction struct {
	Score      float64 `json:"score"`      // [0,100]
	Confidence float64 `json:"confidence"` // [0,1]
	IsAnomaly  bool    `json:"is_anomaly"`
}

// Classifier scores events for anomalous access patterns.
type Classifier interface {
	Predict(ctx context.Context, event *model.AuthEvent) (*Prediction, error)
}

// classifierFeatures is the request body the model service expects.
type classifierFeatures struct {
	EventID    string `json:"event_id"`
	Address    string `json:"address"`
	Port       int    `json:"port"`
	TargetHost string `json:"target_host"`
	Username   string `json:"username"`
	AuthMethod string `json:"auth_method"`
	Outcome    string `json:"outcome"`
	HourOfDay  int    `json:"hour_of_day"`
	DayOfWeek  int    `json:"day_of_week"`
}

// HTTPClassifier calls the external model service. Its failure modes
// are all treated as "no verdict": the caller proceeds with a zero
// confidence so the composite score degrades instead of stalling.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

func NewHTTPClassifier(cfg *config.Config) *HTTPClassifier {
	return &HTTPClassifier{
		url:    cfg.Enrichment.ClassifierURL,
		client: &http.Client{Timeout: cfg.Enrichment.ClassifierTimeout},
	}
}

func (c *HTTPClassifier) Predict(ctx context.Context, event *model.AuthEvent) (*Prediction, error) {
	if c.url == "" {
		return nil, fmt.Errorf("classifier is not configured")
	}

	features := classifierFeatures{
		EventID:    event.EventID,
		Address:    event.Address,
		Port:       event.Port,
		TargetHost: event.TargetHost,
		Username:   event.Username,
		AuthMethod: event.AuthMethod,
		Outcome:    string(event.Outcome),
		HourOfDay:  event.Timestamp.UTC().Hour(),
		DayOfWeek:  int(event.Timestamp.UTC().Weekday()),
	}

	body, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("failed to encode classifier features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	prediction := &Prediction{}
	if err := json.NewDecoder(resp.Body).Decode(prediction); err != nil {
		return nil, fmt.Errorf("failed to decode classifier response: %w", err)
	}
	return prediction, nil
}

var _ Classifier = (*HTTPClassifier)(nil)
