package healthsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/providers"
)

const (
	fitbitBaseURL         = "https://api.fitbit.com"
	defaultFitbitPerHour  = 150
	fitbitCurrentUserPath = "-"
)

// Fitbit fetches per-day summaries from the Fitbit Web API. Each Fitbit user
// gets a token bucket holding the full hourly quota, refilled evenly over the
// hour, so a window fits in one burst and only back-to-back runs are paced.
type Fitbit struct {
	client  *providers.Client
	baseURL string
	limit   rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFitbit constructs the fetcher. baseURL may be empty; perHour <= 0 uses
// the default quota.
func NewFitbit(client *providers.Client, baseURL string, perHour int) *Fitbit {
	if baseURL == "" {
		baseURL = fitbitBaseURL
	}
	if perHour <= 0 {
		perHour = defaultFitbitPerHour
	}
	return &Fitbit{
		client:   client,
		baseURL:  baseURL,
		limit:    rate.Every(time.Hour / time.Duration(perHour)),
		burst:    perHour,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (f *Fitbit) Provider() domain.Provider { return domain.ProviderFitbit }

// Endpoints plans activity, heart and sleep calls for every day in the window.
func (f *Fitbit) Endpoints(conn domain.Connection, window Window) ([]Endpoint, error) {
	userID, limiterKey := fitbitCurrentUserPath, conn.ID
	if conn.ProviderUserID != nil && *conn.ProviderUserID != "" {
		userID, limiterKey = *conn.ProviderUserID, *conn.ProviderUserID
	}
	token := &oauth2.Token{AccessToken: conn.AccessToken, TokenType: "Bearer"}
	limiter := f.limiter(limiterKey)

	var endpoints []Endpoint
	for _, day := range window.Days() {
		date := day.Format(time.DateOnly)
		endpoints = append(endpoints,
			Endpoint{
				Name: "activities/" + date,
				Fetch: func(ctx context.Context) ([]Sample, error) {
					var body fitbitActivities
					raw, err := f.get(ctx, limiter, token, "activities", fmt.Sprintf("/1/user/%s/activities/date/%s.json", userID, date), &body)
					if err != nil {
						return nil, err
					}
					return body.samples(day, raw), nil
				},
			},
			Endpoint{
				Name: "heart/" + date,
				Fetch: func(ctx context.Context) ([]Sample, error) {
					var body fitbitHeart
					raw, err := f.get(ctx, limiter, token, "heart", fmt.Sprintf("/1/user/%s/activities/heart/date/%s/1d.json", userID, date), &body)
					if err != nil {
						return nil, err
					}
					return body.samples(day, raw), nil
				},
			},
			Endpoint{
				Name: "sleep/" + date,
				Fetch: func(ctx context.Context) ([]Sample, error) {
					var body fitbitSleep
					raw, err := f.get(ctx, limiter, token, "sleep", fmt.Sprintf("/1.2/user/%s/sleep/date/%s.json", userID, date), &body)
					if err != nil {
						return nil, err
					}
					return body.samples(day, raw), nil
				},
			},
		)
	}
	return endpoints, nil
}

func (f *Fitbit) limiter(key string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[key]
	if !ok {
		l = rate.NewLimiter(f.limit, f.burst)
		f.limiters[key] = l
	}
	return l
}

func (f *Fitbit) get(ctx context.Context, limiter *rate.Limiter, token *oauth2.Token, operation, path string, out interface{}) (json.RawMessage, error) {
	resp, err := f.client.DoWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		token.SetAuthHeader(req)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	if err := providers.Check(domain.ProviderFitbit, operation, resp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return nil, fmt.Errorf("decode fitbit %s: %w", operation, err)
	}
	return resp.Body, nil
}

type fitbitActivities struct {
	Summary struct {
		Steps               *float64 `json:"steps"`
		CaloriesOut         *float64 `json:"caloriesOut"`
		FairlyActiveMinutes *float64 `json:"fairlyActiveMinutes"`
		VeryActiveMinutes   *float64 `json:"veryActiveMinutes"`
	} `json:"summary"`
}

func (b fitbitActivities) samples(day time.Time, raw json.RawMessage) []Sample {
	var out []Sample
	s := b.Summary
	if s.Steps != nil {
		out = append(out, Sample{Type: domain.DataTypeSteps, Day: day, Value: *s.Steps, Raw: raw})
	}
	if s.CaloriesOut != nil {
		out = append(out, Sample{Type: domain.DataTypeCalories, Day: day, Value: *s.CaloriesOut, Raw: raw})
	}
	if s.FairlyActiveMinutes != nil || s.VeryActiveMinutes != nil {
		out = append(out, Sample{Type: domain.DataTypeActiveMinutes, Day: day, Value: deref(s.FairlyActiveMinutes) + deref(s.VeryActiveMinutes), Raw: raw})
	}
	return out
}

type fitbitHeart struct {
	ActivitiesHeart []struct {
		DateTime string `json:"dateTime"`
		Value    struct {
			RestingHeartRate *float64 `json:"restingHeartRate"`
		} `json:"value"`
	} `json:"activities-heart"`
}

func (b fitbitHeart) samples(day time.Time, raw json.RawMessage) []Sample {
	for _, entry := range b.ActivitiesHeart {
		if entry.Value.RestingHeartRate == nil || *entry.Value.RestingHeartRate == 0 {
			continue
		}
		return []Sample{{Type: domain.DataTypeHeartRate, Day: day, Value: *entry.Value.RestingHeartRate, Raw: raw}}
	}
	return nil
}

type fitbitSleep struct {
	Summary struct {
		TotalMinutesAsleep *float64 `json:"totalMinutesAsleep"`
	} `json:"summary"`
}

func (b fitbitSleep) samples(day time.Time, raw json.RawMessage) []Sample {
	if b.Summary.TotalMinutesAsleep == nil || *b.Summary.TotalMinutesAsleep == 0 {
		return nil
	}
	return []Sample{{Type: domain.DataTypeSleep, Day: day, Value: *b.Summary.TotalMinutesAsleep, Raw: raw}}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
