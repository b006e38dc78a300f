// Package extract drives the external acoustic feature service: a resty
// client for single files and a bounded worker pool for whole corpora.
package extract

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"pd-voice/internal/features"

	"github.com/go-resty/resty/v2"
)

// Extractor computes the features of one audio file for a feature set.
type Extractor interface {
	Extract(ctx context.Context, audioPath, featureSet string) (features.Record, error)
}

// HTTPExtractor calls the feature service's POST /extract endpoint.
type HTTPExtractor struct {
	base string
	rest *resty.Client
}

type extractReq struct {
	Path       string `json:"path"`
	FeatureSet string `json:"feature_set"`
}

// Null feature values decode as nil and become NaN.
type extractResp struct {
	Features map[string]*float64 `json:"features"`
	Error    string              `json:"error"`
}

// NewHTTPExtractor creates a client for the service at base.
func NewHTTPExtractor(base string, timeout time.Duration) *HTTPExtractor {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(60 * time.Second)
	}
	return &HTTPExtractor{base: strings.TrimRight(base, "/"), rest: r}
}

func (c *HTTPExtractor) Extract(ctx context.Context, audioPath, featureSet string) (features.Record, error) {
	resp := &extractResp{}
	r, err := c.rest.R().
		SetContext(ctx).
		SetBody(extractReq{Path: audioPath, FeatureSet: featureSet}).
		SetResult(resp).
		SetError(resp).
		Post(c.base + "/extract")
	if err != nil {
		return nil, fmt.Errorf("feature service: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("feature service: %s", resp.Error)
	}
	if r.IsError() {
		return nil, fmt.Errorf("feature service: HTTP %d", r.StatusCode())
	}
	if len(resp.Features) == 0 {
		return nil, fmt.Errorf("feature service: empty feature set for %s", audioPath)
	}

	rec := make(features.Record, len(resp.Features))
	for name, v := range resp.Features {
		if v == nil {
			rec[name] = math.NaN()
			continue
		}
		rec[name] = *v
	}
	return rec, nil
}

// Health checks that the service answers GET /health.
func (c *HTTPExtractor) Health(ctx context.Context) error {
	r, err := c.rest.R().SetContext(ctx).Get(c.base + "/health")
	if err != nil {
		return fmt.Errorf("feature service: %w", err)
	}
	if r.IsError() {
		return fmt.Errorf("feature service: HTTP %d", r.StatusCode())
	}
	return nil
}
