package healthsync

import (
	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/providers"
)

// FetcherOptions tunes the fetchers built by ConfiguredFetchers. Empty base
// URLs select the production APIs.
type FetcherOptions struct {
	GoogleFitBaseURL      string
	FitbitBaseURL         string
	GarminBaseURL         string
	FitbitRequestsPerHour int
}

// ConfiguredFetchers returns one fetcher per provider that has credentials in
// registry. Connections of the other providers fail with a ConfigurationError
// when synced.
func ConfiguredFetchers(registry *providers.Registry, client *providers.Client, opts FetcherOptions) []Fetcher {
	var fetchers []Fetcher
	if registry.Configured(domain.ProviderGoogleFit) {
		fetchers = append(fetchers, NewGoogleFit(client, opts.GoogleFitBaseURL))
	}
	if registry.Configured(domain.ProviderFitbit) {
		fetchers = append(fetchers, NewFitbit(client, opts.FitbitBaseURL, opts.FitbitRequestsPerHour))
	}
	if signer := registry.GarminSigner(); signer != nil {
		fetchers = append(fetchers, NewGarmin(signer, client, opts.GarminBaseURL))
	}
	return fetchers
}
