package healthsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/providers"
)

const (
	googleFitBaseURL = "https://www.googleapis.com/fitness/v1/users/me"
	dayMillis        = int64(24 * time.Hour / time.Millisecond)
)

type googleMetric struct {
	name     string
	source   string
	dataType domain.DataType
	// first takes the first value of the first point instead of summing
	// points; heart rate summaries carry [average, max, min].
	first bool
}

var googleMetrics = []googleMetric{
	{name: "steps", source: "com.google.step_count.delta", dataType: domain.DataTypeSteps},
	{name: "heart_rate", source: "com.google.heart_rate.bpm", dataType: domain.DataTypeHeartRate, first: true},
	{name: "calories", source: "com.google.calories.expended", dataType: domain.DataTypeCalories},
}

// GoogleFit fetches daily aggregates from the Fitness REST API.
type GoogleFit struct {
	client  *providers.Client
	baseURL string
}

// NewGoogleFit constructs the fetcher. baseURL may be empty.
func NewGoogleFit(client *providers.Client, baseURL string) *GoogleFit {
	if baseURL == "" {
		baseURL = googleFitBaseURL
	}
	return &GoogleFit{client: client, baseURL: baseURL}
}

func (g *GoogleFit) Provider() domain.Provider { return domain.ProviderGoogleFit }

// Endpoints issues one aggregate query per metric over the whole window.
func (g *GoogleFit) Endpoints(conn domain.Connection, window Window) ([]Endpoint, error) {
	token := &oauth2.Token{AccessToken: conn.AccessToken, TokenType: "Bearer"}
	endpoints := make([]Endpoint, 0, len(googleMetrics))
	for _, metric := range googleMetrics {
		endpoints = append(endpoints, Endpoint{
			Name: metric.name,
			Fetch: func(ctx context.Context) ([]Sample, error) {
				return g.aggregate(ctx, token, metric, window)
			},
		})
	}
	return endpoints, nil
}

type aggregateRequest struct {
	AggregateBy     []aggregateBy `json:"aggregateBy"`
	BucketByTime    bucketByTime  `json:"bucketByTime"`
	StartTimeMillis int64         `json:"startTimeMillis"`
	EndTimeMillis   int64         `json:"endTimeMillis"`
}

type aggregateBy struct {
	DataTypeName string `json:"dataTypeName"`
}

type bucketByTime struct {
	DurationMillis int64 `json:"durationMillis"`
}

type aggregateResponse struct {
	Bucket []json.RawMessage `json:"bucket"`
}

type aggregateBucket struct {
	StartTimeMillis string `json:"startTimeMillis"`
	Dataset         []struct {
		Point []struct {
			Value []struct {
				IntVal *int64   `json:"intVal"`
				FpVal  *float64 `json:"fpVal"`
			} `json:"value"`
		} `json:"point"`
	} `json:"dataset"`
}

func (g *GoogleFit) aggregate(ctx context.Context, token *oauth2.Token, metric googleMetric, window Window) ([]Sample, error) {
	body, err := json.Marshal(aggregateRequest{
		AggregateBy:     []aggregateBy{{DataTypeName: metric.source}},
		BucketByTime:    bucketByTime{DurationMillis: dayMillis},
		StartTimeMillis: window.Start.UnixMilli(),
		EndTimeMillis:   window.End.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	resp, err := g.client.DoWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/dataset:aggregate", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		token.SetAuthHeader(req)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	if err := providers.Check(domain.ProviderGoogleFit, metric.name, resp); err != nil {
		return nil, err
	}

	var parsed aggregateResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("decode %s aggregate: %w", metric.name, err)
	}

	var samples []Sample
	for _, raw := range parsed.Bucket {
		var bucket aggregateBucket
		if err := json.Unmarshal(raw, &bucket); err != nil {
			return nil, fmt.Errorf("decode %s bucket: %w", metric.name, err)
		}
		value, ok := bucketValue(bucket, metric.first)
		// Zero means no data, not a measured zero.
		if !ok || value == 0 {
			continue
		}
		startMillis, err := strconv.ParseInt(bucket.StartTimeMillis, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode %s bucket start: %w", metric.name, err)
		}
		samples = append(samples, Sample{
			Type:  metric.dataType,
			Day:   time.UnixMilli(startMillis),
			Value: value,
			Raw:   raw,
		})
	}
	return samples, nil
}

func bucketValue(bucket aggregateBucket, first bool) (float64, bool) {
	var total float64
	found := false
	for _, ds := range bucket.Dataset {
		for _, point := range ds.Point {
			if len(point.Value) == 0 {
				continue
			}
			v := point.Value[0]
			var value float64
			switch {
			case v.IntVal != nil:
				value = float64(*v.IntVal)
			case v.FpVal != nil:
				value = *v.FpVal
			default:
				continue
			}
			if first {
				return value, true
			}
			total += value
			found = true
		}
	}
	return total, found
}
