package fetch

import (
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/kass/sitescout/pkg/config"
	"github.com/kass/sitescout/pkg/models"
)

// Offsets keep the three data classes on independent deterministic streams.
const (
	seedDemographics = 1
	seedCompetitors  = 2
	seedTraffic      = 3
)

const (
	demographicRegionsPerAxis = 6
	trafficSamplesPerAxis     = 8
)

// Synthetic generates fallback data for a city. Output is deterministic for
// a given city ID, so repeated offline runs are reproducible.
type Synthetic struct {
	city config.CityConfig
	seed int64
}

// NewSynthetic creates a generator seeded by the city ID.
func NewSynthetic(city config.CityConfig) *Synthetic {
	h := fnv.New64a()
	h.Write([]byte(city.ID))
	return &Synthetic{city: city, seed: int64(h.Sum64())}
}

func (s *Synthetic) rng(offset int64) *rand.Rand {
	return rand.New(rand.NewSource(s.seed + offset))
}

// Demographics returns region profiles on a coarse lattice across the city
// bounds, sampled from the city's configured demographic ranges.
func (s *Synthetic) Demographics() []models.RegionProfile {
	rng := s.rng(seedDemographics)
	box := s.city.Bounds.Box()
	d := s.city.Demographics

	regions := make([]models.RegionProfile, 0, demographicRegionsPerAxis*demographicRegionsPerAxis)
	latStep := (box.TopRight.Lat - box.BottomLeft.Lat) / demographicRegionsPerAxis
	lonStep := (box.TopRight.Lon - box.BottomLeft.Lon) / demographicRegionsPerAxis

	for i := 0; i < demographicRegionsPerAxis; i++ {
		for j := 0; j < demographicRegionsPerAxis; j++ {
			loc := models.Location{
				Lat: box.BottomLeft.Lat + (float64(i)+0.5)*latStep,
				Lon: box.BottomLeft.Lon + (float64(j)+0.5)*lonStep,
			}
			regions = append(regions, models.RegionProfile{
				Location: loc,
				Profile: models.DemographicProfile{
					MedianIncome:      uniform(rng, d.IncomeRange[0], d.IncomeRange[1]),
					MedianAge:         uniform(rng, d.AgeRange[0], d.AgeRange[1]),
					PopulationDensity: uniform(rng, d.DensityRange[0], d.DensityRange[1]),
					Households:        uniform(rng, 4000, 30000),
				},
			})
		}
	}
	return regions
}

// Competitors returns a competitor set scaled by the city's market
// saturation, with venues drawn from the configured search terms.
func (s *Synthetic) Competitors() []models.CompetitorRecord {
	rng := s.rng(seedCompetitors)
	box := s.city.Bounds.Box()

	names := s.city.Competitors.SearchTerms
	if len(names) == 0 {
		names = []string{s.city.Competitors.Primary}
	}

	count := int(float64(30+rng.Intn(25)) * s.city.Competitors.MarketSaturation)
	if count < 1 {
		count = 1
	}

	records := make([]models.CompetitorRecord, 0, count)
	for i := 0; i < count; i++ {
		records = append(records, models.CompetitorRecord{
			Name:        fmt.Sprintf("%s #%d", names[i%len(names)], i/len(names)+1),
			Latitude:    uniform(rng, box.BottomLeft.Lat, box.TopRight.Lat),
			Longitude:   uniform(rng, box.BottomLeft.Lon, box.TopRight.Lon),
			Rating:      uniform(rng, 2.5, 4.8),
			ReviewCount: 50 + rng.Intn(1450),
			Category:    "fast_food",
		})
	}
	return records
}

// Traffic returns traffic samples on a lattice across the city bounds.
// Score ranges match the historical fallback generator: traffic 20-95,
// commercial 25-90.
func (s *Synthetic) Traffic() []models.TrafficSample {
	rng := s.rng(seedTraffic)
	box := s.city.Bounds.Box()

	samples := make([]models.TrafficSample, 0, trafficSamplesPerAxis*trafficSamplesPerAxis)
	latStep := (box.TopRight.Lat - box.BottomLeft.Lat) / trafficSamplesPerAxis
	lonStep := (box.TopRight.Lon - box.BottomLeft.Lon) / trafficSamplesPerAxis

	for i := 0; i < trafficSamplesPerAxis; i++ {
		for j := 0; j < trafficSamplesPerAxis; j++ {
			samples = append(samples, models.TrafficSample{
				Location: models.Location{
					Lat: box.BottomLeft.Lat + (float64(i)+0.5)*latStep,
					Lon: box.BottomLeft.Lon + (float64(j)+0.5)*lonStep,
				},
				TrafficScore:    uniform(rng, 20, 95),
				CommercialScore: uniform(rng, 25, 90),
			})
		}
	}
	return samples
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
