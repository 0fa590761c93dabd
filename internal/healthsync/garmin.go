package healthsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/oauth1"
	"example.com/wearables/internal/providers"
)

const (
	garminBaseURL = "https://apis.garmin.com/wellness-api/rest"
	// Garmin rejects upload ranges longer than a day.
	garminMaxRange = 24 * time.Hour
)

// stressLevels maps Garmin's stress qualifier onto the stored level.
var stressLevels = map[string]float64{
	"unknown":        0,
	"calm":           1,
	"balanced":       2,
	"stressful":      3,
	"very_stressful": 4,
}

// Garmin fetches wellness summaries with OAuth 1.0a signed requests.
type Garmin struct {
	signer  *oauth1.Signer
	client  *providers.Client
	baseURL string
}

// NewGarmin constructs the fetcher. baseURL may be empty.
func NewGarmin(signer *oauth1.Signer, client *providers.Client, baseURL string) *Garmin {
	if baseURL == "" {
		baseURL = garminBaseURL
	}
	return &Garmin{signer: signer, client: client, baseURL: baseURL}
}

func (g *Garmin) Provider() domain.Provider { return domain.ProviderGarmin }

type garminFeed struct {
	name  string
	parse func(raw json.RawMessage) ([]Sample, error)
}

var garminFeeds = []garminFeed{
	{name: "dailies", parse: parseGarminDaily},
	{name: "sleeps", parse: parseGarminSleep},
	{name: "activities", parse: parseGarminActivity},
}

// Endpoints plans one signed call per feed and 24h upload slice.
func (g *Garmin) Endpoints(conn domain.Connection, window Window) ([]Endpoint, error) {
	if conn.TokenSecret == nil {
		return nil, &domain.ProviderRejectedError{Provider: domain.ProviderGarmin, Operation: "sync", Reason: "connection has no token secret"}
	}
	token, secret := conn.AccessToken, *conn.TokenSecret

	var endpoints []Endpoint
	for start := window.Start; start.Before(window.End); start = start.Add(garminMaxRange) {
		end := start.Add(garminMaxRange)
		if end.After(window.End) {
			end = window.End
		}
		for _, feed := range garminFeeds {
			query := url.Values{}
			query.Set("uploadStartTimeInSeconds", strconv.FormatInt(start.Unix(), 10))
			query.Set("uploadEndTimeInSeconds", strconv.FormatInt(end.Unix(), 10))
			target := g.baseURL + "/" + feed.name + "?" + query.Encode()

			endpoints = append(endpoints, Endpoint{
				Name: fmt.Sprintf("%s@%s", feed.name, start.Format(time.DateOnly)),
				Fetch: func(ctx context.Context) ([]Sample, error) {
					return g.fetch(ctx, feed, target, token, secret)
				},
			})
		}
	}
	return endpoints, nil
}

func (g *Garmin) fetch(ctx context.Context, feed garminFeed, target, token, secret string) ([]Sample, error) {
	resp, err := g.client.DoWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		header, err := g.signer.Sign(oauth1.Request{Method: http.MethodGet, URL: target, Token: token, TokenSecret: secret})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", header)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	if err := providers.Check(domain.ProviderGarmin, feed.name, resp); err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		return nil, fmt.Errorf("decode garmin %s: %w", feed.name, err)
	}
	var samples []Sample
	for _, raw := range items {
		parsed, err := feed.parse(raw)
		if err != nil {
			return nil, fmt.Errorf("decode garmin %s: %w", feed.name, err)
		}
		samples = append(samples, parsed...)
	}
	return samples, nil
}

type garminDaily struct {
	CalendarDate                       string   `json:"calendarDate"`
	StartTimeInSeconds                 int64    `json:"startTimeInSeconds"`
	Steps                              *float64 `json:"steps"`
	ActiveKilocalories                 *float64 `json:"activeKilocalories"`
	AverageHeartRateInBeatsPerMinute   *float64 `json:"averageHeartRateInBeatsPerMinute"`
	ModerateIntensityDurationInSeconds *float64 `json:"moderateIntensityDurationInSeconds"`
	VigorousIntensityDurationInSeconds *float64 `json:"vigorousIntensityDurationInSeconds"`
	StressQualifier                    string   `json:"stressQualifier"`
}

func parseGarminDaily(raw json.RawMessage) ([]Sample, error) {
	var d garminDaily
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	day := garminDay(d.CalendarDate, d.StartTimeInSeconds)

	var out []Sample
	add := func(t domain.DataType, v float64) {
		out = append(out, Sample{Type: t, Day: day, Value: v, Raw: raw})
	}
	if d.Steps != nil {
		add(domain.DataTypeSteps, *d.Steps)
	}
	if d.ActiveKilocalories != nil {
		add(domain.DataTypeCalories, *d.ActiveKilocalories)
	}
	if d.AverageHeartRateInBeatsPerMinute != nil && *d.AverageHeartRateInBeatsPerMinute > 0 {
		add(domain.DataTypeHeartRate, *d.AverageHeartRateInBeatsPerMinute)
	}
	if d.ModerateIntensityDurationInSeconds != nil || d.VigorousIntensityDurationInSeconds != nil {
		add(domain.DataTypeActiveMinutes, (deref(d.ModerateIntensityDurationInSeconds)+deref(d.VigorousIntensityDurationInSeconds))/60)
	}
	if d.StressQualifier != "" {
		add(domain.DataTypeStress, StressLevel(d.StressQualifier))
	}
	return out, nil
}

// StressLevel maps a Garmin stress qualifier to its numeric level. The
// "_awake" variants map like their base qualifier; anything unrecognised is
// unknown (0).
func StressLevel(qualifier string) float64 {
	q := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(qualifier)), "_awake")
	return stressLevels[q]
}

type garminSleep struct {
	CalendarDate       string   `json:"calendarDate"`
	StartTimeInSeconds int64    `json:"startTimeInSeconds"`
	DurationInSeconds  *float64 `json:"durationInSeconds"`
}

func parseGarminSleep(raw json.RawMessage) ([]Sample, error) {
	var s garminSleep
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s.DurationInSeconds == nil || *s.DurationInSeconds <= 0 {
		return nil, nil
	}
	return []Sample{{Type: domain.DataTypeSleep, Day: garminDay(s.CalendarDate, s.StartTimeInSeconds), Value: *s.DurationInSeconds / 60, Raw: raw}}, nil
}

type garminActivity struct {
	StartTimeInSeconds int64    `json:"startTimeInSeconds"`
	DurationInSeconds  *float64 `json:"durationInSeconds"`
}

func parseGarminActivity(raw json.RawMessage) ([]Sample, error) {
	var a garminActivity
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	if a.DurationInSeconds == nil || *a.DurationInSeconds <= 0 {
		return nil, nil
	}
	return []Sample{{Type: domain.DataTypeWorkout, Day: garminDay("", a.StartTimeInSeconds), Value: *a.DurationInSeconds / 60, Raw: raw}}, nil
}

func garminDay(calendarDate string, startSeconds int64) time.Time {
	if calendarDate != "" {
		if day, err := time.Parse(time.DateOnly, calendarDate); err == nil {
			return day
		}
	}
	return domain.Day(time.Unix(startSeconds, 0))
}
