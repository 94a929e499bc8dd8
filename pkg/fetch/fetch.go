// Package fetch retrieves demographic, competitor, and traffic data for a
// city from live sources, with retry, rate limiting, and deterministic
// synthetic fallback. A run never fails because a source is down; it degrades.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kass/sitescout/pkg/config"
	"github.com/kass/sitescout/pkg/models"
)

// DemographicSource returns region-level demographic profiles inside a box.
type DemographicSource interface {
	Name() string
	FetchDemographics(ctx context.Context, box models.BoundingBox) ([]models.RegionProfile, error)
}

// CompetitorSource returns competitor venues inside a box matching the
// given search terms.
type CompetitorSource interface {
	Name() string
	FetchCompetitors(ctx context.Context, box models.BoundingBox, terms []string) ([]models.CompetitorRecord, error)
}

// TrafficSource returns traffic samples inside a box.
type TrafficSource interface {
	Name() string
	FetchTraffic(ctx context.Context, box models.BoundingBox) ([]models.TrafficSample, error)
}

// Dataset pairs fetched records with their provenance and originating source.
type Dataset[T any] struct {
	Records    []T
	Provenance models.Provenance
	Source     string
}

// Bundle is the merged output of one concurrent fetch across all three data
// classes. Every dataset is populated; failed sources are represented by
// fallback data plus a Degradation entry.
type Bundle struct {
	Demographics Dataset[models.RegionProfile]
	Competitors  Dataset[models.CompetitorRecord]
	Traffic      Dataset[models.TrafficSample]
	Degradations []models.Degradation
}

// Fetcher coordinates the three sources under a shared rate limit, retry
// policy, and per-attempt timeout.
type Fetcher struct {
	demographics DemographicSource
	competitors  CompetitorSource
	traffic      TrafficSource

	limiter        *rate.Limiter
	attemptTimeout time.Duration
	maxRetries     uint64
	retryInterval  time.Duration
	logger         *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger used for degradation and retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithRateLimit sets the minimum delay between source calls and the burst
// allowance shared across all sources.
func WithRateLimit(interval time.Duration, burst int) Option {
	return func(f *Fetcher) { f.limiter = rate.NewLimiter(rate.Every(interval), burst) }
}

// WithAttemptTimeout bounds each individual source call.
func WithAttemptTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.attemptTimeout = d }
}

// WithRetries sets how many times a failed source call is retried before
// falling back to synthetic data.
func WithRetries(n uint64) Option {
	return func(f *Fetcher) { f.maxRetries = n }
}

// WithRetryInterval sets the initial backoff interval between retries.
func WithRetryInterval(d time.Duration) Option {
	return func(f *Fetcher) { f.retryInterval = d }
}

// New creates a Fetcher over the given sources. A nil source means the data
// class is not configured and always resolves from synthetic fallback.
func New(demographics DemographicSource, competitors CompetitorSource, traffic TrafficSource, opts ...Option) *Fetcher {
	f := &Fetcher{
		demographics:   demographics,
		competitors:    competitors,
		traffic:        traffic,
		limiter:        rate.NewLimiter(rate.Every(200*time.Millisecond), 4),
		attemptTimeout: 10 * time.Second,
		maxRetries:     2,
		retryInterval:  500 * time.Millisecond,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewFromConfig builds a Fetcher from runtime configuration. Sources with an
// empty base URL are left unconfigured and served from synthetic fallback.
func NewFromConfig(cfg config.Config, opts ...Option) *Fetcher {
	var (
		demographics DemographicSource
		competitors  CompetitorSource
		traffic      TrafficSource
	)
	if cfg.CensusURL != "" {
		demographics = NewCensusClient(cfg.CensusURL, cfg.FetchTimeout)
	}
	if cfg.OverpassURL != "" {
		competitors = NewOverpassClient(cfg.OverpassURL, cfg.FetchTimeout)
	}
	if cfg.TrafficURL != "" {
		traffic = NewTrafficClient(cfg.TrafficURL, cfg.FetchTimeout)
	}

	base := []Option{
		WithRateLimit(cfg.FetchInterval, cfg.FetchBurst),
		WithAttemptTimeout(cfg.FetchTimeout),
		WithRetries(cfg.FetchRetries),
	}
	return New(demographics, competitors, traffic, append(base, opts...)...)
}

// FetchAll retrieves all three data classes for the city concurrently and
// blocks until every source has resolved. The only error it returns is
// context cancellation; source failures degrade to synthetic data instead.
func (f *Fetcher) FetchAll(ctx context.Context, city config.CityConfig) (Bundle, error) {
	box := city.Bounds.Box()
	synth := NewSynthetic(city)

	var (
		bundle                       Bundle
		demoDeg, compDeg, trafficDeg *models.Degradation
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		name, live := "demographics", (liveCall[models.RegionProfile])(nil)
		if f.demographics != nil {
			name = f.demographics.Name()
			live = func(ctx context.Context) ([]models.RegionProfile, error) {
				return f.demographics.FetchDemographics(ctx, box)
			}
		}
		var err error
		bundle.Demographics, demoDeg, err = fetchDataset(gctx, f, name, live, synth.Demographics)
		return err
	})
	g.Go(func() error {
		name, live := "competitors", (liveCall[models.CompetitorRecord])(nil)
		if f.competitors != nil {
			name = f.competitors.Name()
			live = func(ctx context.Context) ([]models.CompetitorRecord, error) {
				return f.competitors.FetchCompetitors(ctx, box, city.Competitors.SearchTerms)
			}
		}
		var err error
		bundle.Competitors, compDeg, err = fetchDataset(gctx, f, name, live, synth.Competitors)
		return err
	})
	g.Go(func() error {
		name, live := "traffic", (liveCall[models.TrafficSample])(nil)
		if f.traffic != nil {
			name = f.traffic.Name()
			live = func(ctx context.Context) ([]models.TrafficSample, error) {
				return f.traffic.FetchTraffic(ctx, box)
			}
		}
		var err error
		bundle.Traffic, trafficDeg, err = fetchDataset(gctx, f, name, live, synth.Traffic)
		return err
	})

	if err := g.Wait(); err != nil {
		return Bundle{}, fmt.Errorf("fetch aborted: %w", err)
	}

	for _, deg := range []*models.Degradation{demoDeg, compDeg, trafficDeg} {
		if deg != nil {
			bundle.Degradations = append(bundle.Degradations, *deg)
		}
	}
	return bundle, nil
}

type liveCall[T any] func(context.Context) ([]T, error)

// fetchDataset resolves one data class: live source with rate limiting,
// per-attempt timeout and exponential backoff, falling back to synthetic
// records when the source is missing, exhausted, or empty.
func fetchDataset[T any](
	ctx context.Context,
	f *Fetcher,
	name string,
	live liveCall[T],
	synth func() []T,
) (Dataset[T], *models.Degradation, error) {
	fallback := func(reason string) (Dataset[T], *models.Degradation, error) {
		f.logger.Warn("source degraded to synthetic data", "source", name, "reason", reason)
		return Dataset[T]{Records: synth(), Provenance: models.ProvenanceFallback, Source: name},
			&models.Degradation{Source: name, Reason: reason}, nil
	}

	if live == nil {
		return fallback("source not configured")
	}

	var records []T
	operation := func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
		defer cancel()

		got, err := live(attemptCtx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			f.logger.Debug("source attempt failed", "source", name, "error", err)
			return err
		}
		records = got
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.retryInterval
	policy.MaxInterval = 5 * time.Second

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, f.maxRetries), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return Dataset[T]{}, nil, ctx.Err()
		}
		return fallback(err.Error())
	}
	if len(records) == 0 {
		return fallback("source returned no data")
	}
	return Dataset[T]{Records: records, Provenance: models.ProvenanceLive, Source: name}, nil, nil
}
