package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/sitescout/pkg/config"
	"github.com/kass/sitescout/pkg/models"
)

type stubDemographics struct {
	calls     atomic.Int32
	failUntil int32
	profiles  []models.RegionProfile
}

func (s *stubDemographics) Name() string { return "stub-census" }

func (s *stubDemographics) FetchDemographics(ctx context.Context, box models.BoundingBox) ([]models.RegionProfile, error) {
	if n := s.calls.Add(1); n <= s.failUntil {
		return nil, errors.New("census unavailable")
	}
	return s.profiles, nil
}

type stubCompetitors struct {
	calls     atomic.Int32
	failUntil int32
	records   []models.CompetitorRecord
}

func (s *stubCompetitors) Name() string { return "stub-places" }

func (s *stubCompetitors) FetchCompetitors(ctx context.Context, box models.BoundingBox, terms []string) ([]models.CompetitorRecord, error) {
	if n := s.calls.Add(1); n <= s.failUntil {
		return nil, errors.New("places unavailable")
	}
	return s.records, nil
}

type stubTraffic struct {
	calls     atomic.Int32
	failUntil int32
	samples   []models.TrafficSample
}

func (s *stubTraffic) Name() string { return "stub-traffic" }

func (s *stubTraffic) FetchTraffic(ctx context.Context, box models.BoundingBox) ([]models.TrafficSample, error) {
	if n := s.calls.Add(1); n <= s.failUntil {
		return nil, errors.New("traffic unavailable")
	}
	return s.samples, nil
}

func testCity(t *testing.T) config.CityConfig {
	t.Helper()
	city, err := config.NewRegistry().Get("austin")
	require.NoError(t, err)
	return *city
}

func liveStubs() (*stubDemographics, *stubCompetitors, *stubTraffic) {
	demo := &stubDemographics{profiles: []models.RegionProfile{{
		Location: models.Location{Lat: 30.27, Lon: -97.74},
		Profile:  models.DemographicProfile{MedianIncome: 72000, MedianAge: 33, PopulationDensity: 4800, Households: 11000},
	}}}
	comp := &stubCompetitors{records: []models.CompetitorRecord{{
		Name: "McDonald's", Latitude: 30.268, Longitude: -97.742, Rating: 3.6, ReviewCount: 900, Category: "fast_food",
	}}}
	traf := &stubTraffic{samples: []models.TrafficSample{{
		Location: models.Location{Lat: 30.27, Lon: -97.74}, TrafficScore: 71, CommercialScore: 64,
	}}}
	return demo, comp, traf
}

func fastOptions() []Option {
	return []Option{
		WithRateLimit(0, 1),
		WithRetryInterval(time.Millisecond),
		WithAttemptTimeout(time.Second),
	}
}

func TestFetchAllLiveSources(t *testing.T) {
	demo, comp, traf := liveStubs()
	f := New(demo, comp, traf, fastOptions()...)

	bundle, err := f.FetchAll(context.Background(), testCity(t))
	require.NoError(t, err)

	assert.Equal(t, models.ProvenanceLive, bundle.Demographics.Provenance)
	assert.Equal(t, models.ProvenanceLive, bundle.Competitors.Provenance)
	assert.Equal(t, models.ProvenanceLive, bundle.Traffic.Provenance)
	assert.Equal(t, demo.profiles, bundle.Demographics.Records)
	assert.Equal(t, comp.records, bundle.Competitors.Records)
	assert.Equal(t, traf.samples, bundle.Traffic.Records)
	assert.Empty(t, bundle.Degradations)

	assert.Equal(t, int32(1), demo.calls.Load())
	assert.Equal(t, int32(1), comp.calls.Load())
	assert.Equal(t, int32(1), traf.calls.Load())
}

func TestFetchAllFallsBackAfterRetries(t *testing.T) {
	demo, comp, traf := liveStubs()
	comp.failUntil = 100

	f := New(demo, comp, traf, append(fastOptions(), WithRetries(1))...)

	bundle, err := f.FetchAll(context.Background(), testCity(t))
	require.NoError(t, err)

	// Initial attempt plus one retry, then synthetic substitution
	assert.Equal(t, int32(2), comp.calls.Load())
	assert.Equal(t, models.ProvenanceFallback, bundle.Competitors.Provenance)
	assert.NotEmpty(t, bundle.Competitors.Records)

	require.Len(t, bundle.Degradations, 1)
	assert.Equal(t, "stub-places", bundle.Degradations[0].Source)
	assert.Contains(t, bundle.Degradations[0].Reason, "places unavailable")

	// The other classes are untouched
	assert.Equal(t, models.ProvenanceLive, bundle.Demographics.Provenance)
	assert.Equal(t, models.ProvenanceLive, bundle.Traffic.Provenance)
}

func TestFetchAllRetriesTransientFailure(t *testing.T) {
	demo, comp, traf := liveStubs()
	demo.failUntil = 2

	f := New(demo, comp, traf, append(fastOptions(), WithRetries(3))...)

	bundle, err := f.FetchAll(context.Background(), testCity(t))
	require.NoError(t, err)

	assert.Equal(t, int32(3), demo.calls.Load())
	assert.Equal(t, models.ProvenanceLive, bundle.Demographics.Provenance)
	assert.Empty(t, bundle.Degradations)
}

func TestFetchAllUnconfiguredSources(t *testing.T) {
	f := New(nil, nil, nil, fastOptions()...)

	bundle, err := f.FetchAll(context.Background(), testCity(t))
	require.NoError(t, err)

	assert.Equal(t, models.ProvenanceFallback, bundle.Demographics.Provenance)
	assert.Equal(t, models.ProvenanceFallback, bundle.Competitors.Provenance)
	assert.Equal(t, models.ProvenanceFallback, bundle.Traffic.Provenance)
	assert.NotEmpty(t, bundle.Demographics.Records)
	assert.NotEmpty(t, bundle.Competitors.Records)
	assert.NotEmpty(t, bundle.Traffic.Records)

	require.Len(t, bundle.Degradations, 3)
	sources := make([]string, 0, 3)
	for _, d := range bundle.Degradations {
		sources = append(sources, d.Source)
		assert.Equal(t, "source not configured", d.Reason)
	}
	assert.ElementsMatch(t, []string{"demographics", "competitors", "traffic"}, sources)
}

func TestFetchAllEmptyLiveResult(t *testing.T) {
	demo, comp, traf := liveStubs()
	traf.samples = nil

	f := New(demo, comp, traf, fastOptions()...)

	bundle, err := f.FetchAll(context.Background(), testCity(t))
	require.NoError(t, err)

	assert.Equal(t, models.ProvenanceFallback, bundle.Traffic.Provenance)
	assert.NotEmpty(t, bundle.Traffic.Records)
	require.Len(t, bundle.Degradations, 1)
	assert.Equal(t, "stub-traffic", bundle.Degradations[0].Source)
	assert.Equal(t, "source returned no data", bundle.Degradations[0].Reason)
}

func TestFetchAllCancelled(t *testing.T) {
	demo, comp, traf := liveStubs()
	f := New(demo, comp, traf, fastOptions()...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.FetchAll(ctx, testCity(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSyntheticDeterministic(t *testing.T) {
	city := testCity(t)

	a := NewSynthetic(city)
	b := NewSynthetic(city)

	assert.Equal(t, a.Demographics(), b.Demographics())
	assert.Equal(t, a.Competitors(), b.Competitors())
	assert.Equal(t, a.Traffic(), b.Traffic())

	// Repeated calls on the same generator are stable too
	assert.Equal(t, a.Competitors(), a.Competitors())

	other := city
	other.ID = "columbus"
	c := NewSynthetic(other)
	assert.NotEqual(t, a.Competitors(), c.Competitors())
}

func TestSyntheticCompetitorsScaleWithSaturation(t *testing.T) {
	low := testCity(t)
	low.Competitors.MarketSaturation = 0.2
	high := testCity(t)
	high.Competitors.MarketSaturation = 1.5

	lowCount := len(NewSynthetic(low).Competitors())
	highCount := len(NewSynthetic(high).Competitors())

	assert.Greater(t, highCount, lowCount)
	assert.GreaterOrEqual(t, lowCount, 1)
}

func TestSyntheticValuesInConfiguredRanges(t *testing.T) {
	city := testCity(t)
	synth := NewSynthetic(city)

	for _, region := range synth.Demographics() {
		assert.GreaterOrEqual(t, region.Profile.MedianIncome, city.Demographics.IncomeRange[0])
		assert.LessOrEqual(t, region.Profile.MedianIncome, city.Demographics.IncomeRange[1])
		assert.GreaterOrEqual(t, region.Profile.MedianAge, city.Demographics.AgeRange[0])
		assert.LessOrEqual(t, region.Profile.MedianAge, city.Demographics.AgeRange[1])
	}
	for _, sample := range synth.Traffic() {
		assert.GreaterOrEqual(t, sample.TrafficScore, 20.0)
		assert.LessOrEqual(t, sample.TrafficScore, 95.0)
		assert.GreaterOrEqual(t, sample.CommercialScore, 25.0)
		assert.LessOrEqual(t, sample.CommercialScore, 90.0)
	}
	box := city.Bounds.Box()
	for _, rec := range synth.Competitors() {
		assert.True(t, box.Contains(rec.Location()), "competitor outside city bounds: %+v", rec)
	}
}

func TestCensusClientParsesResponse(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		assert.Equal(t, "/regions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"regions":[
			{"lat":30.27,"lon":-97.74,"median_income":68000,"median_age":32.5,"population_density":5100,"households":9800},
			{"lat":30.31,"lon":-97.70,"median_income":91000,"median_age":38.0,"population_density":3300,"households":7200}
		]}`))
	}))
	defer srv.Close()

	client := NewCensusClient(srv.URL, time.Second)
	box := models.BoundingBox{
		BottomLeft: models.Location{Lat: 30.0, Lon: -98.0},
		TopRight:   models.Location{Lat: 30.6, Lon: -97.5},
	}

	profiles, err := client.FetchDemographics(context.Background(), box)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	assert.Equal(t, 68000.0, profiles[0].Profile.MedianIncome)
	assert.Equal(t, 32.5, profiles[0].Profile.MedianAge)
	assert.Equal(t, models.Location{Lat: 30.31, Lon: -97.70}, profiles[1].Location)

	assert.Contains(t, gotQuery, "min_lat=30.000000")
	assert.Contains(t, gotQuery, "max_lon=-97.500000")
}

func TestCensusClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewCensusClient(srv.URL, time.Second)
	_, err := client.FetchDemographics(context.Background(), models.BoundingBox{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestTrafficClientParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/traffic", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"samples":[{"lat":30.27,"lon":-97.74,"traffic_score":77,"commercial_score":62}]}`))
	}))
	defer srv.Close()

	client := NewTrafficClient(srv.URL, time.Second)
	samples, err := client.FetchTraffic(context.Background(), models.BoundingBox{})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 77.0, samples[0].TrafficScore)
	assert.Equal(t, 62.0, samples[0].CommercialScore)
}

func TestBuildAmenityQuery(t *testing.T) {
	box := models.BoundingBox{
		BottomLeft: models.Location{Lat: 30.10, Lon: -97.94},
		TopRight:   models.Location{Lat: 30.52, Lon: -97.57},
	}
	query := buildAmenityQuery(box, []string{"mcdonalds", "burger king"})

	assert.Contains(t, query, "30.100000,-97.940000,30.520000,-97.570000")
	assert.Contains(t, query, `mcdonalds|burger king`)
	assert.Contains(t, query, `"amenity"~"fast_food|restaurant"`)
}

func TestDerivedReputationStable(t *testing.T) {
	r1, v1 := derivedReputation(123456789)
	r2, v2 := derivedReputation(123456789)
	assert.Equal(t, r1, r2)
	assert.Equal(t, v1, v2)
	assert.GreaterOrEqual(t, r1, 3.0)
	assert.LessOrEqual(t, r1, 4.9)
	assert.GreaterOrEqual(t, v1, 50)
}
