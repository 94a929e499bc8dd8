package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// defaultSearchTerms is the fast-casual competitor set used when a city
// definition does not override it.
var defaultSearchTerms = []string{
	"mcdonalds", "kfc", "taco bell", "burger king", "subway", "wendys",
	"popeyes", "chipotle", "panera", "five guys", "shake shack",
}

const defaultPrimaryCompetitor = "chick-fil-a"

// Registry holds the known city configurations. Read-only after loading.
type Registry struct {
	cities map[string]*CityConfig
}

// NewRegistry returns a registry seeded with the built-in city set.
func NewRegistry() *Registry {
	r := &Registry{cities: make(map[string]*CityConfig)}
	for _, c := range builtinCities() {
		r.cities[c.ID] = c
	}
	return r
}

// LoadDir overlays city definitions from every *.yaml / *.yml file in dir.
// Files hold a top-level "cities" list; entries replace built-ins with the
// same ID. Each loaded city is validated before it is accepted.
func (r *Registry) LoadDir(dir string) error {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return fmt.Errorf("failed to scan city dir: %w", err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		var file struct {
			Cities []*CityConfig `yaml:"cities"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		for _, city := range file.Cities {
			applyCityDefaults(city)
			if err := city.Validate(); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			r.cities[city.ID] = city
		}
	}
	return nil
}

// Get returns the configuration for a city ID.
func (r *Registry) Get(id string) (*CityConfig, error) {
	city, ok := r.cities[id]
	if !ok {
		return nil, &ConfigurationError{Field: "city_id", Reason: fmt.Sprintf("unknown city %q", id)}
	}
	return city, nil
}

// IDs returns the sorted list of known city IDs.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.cities))
	for id := range r.cities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered cities.
func (r *Registry) Len() int {
	return len(r.cities)
}

func applyCityDefaults(c *CityConfig) {
	if len(c.Competitors.SearchTerms) == 0 {
		c.Competitors.SearchTerms = append([]string(nil), defaultSearchTerms...)
	}
	if c.Competitors.Primary == "" {
		c.Competitors.Primary = defaultPrimaryCompetitor
	}
	if c.Bounds.GridSpacing == 0 {
		c.Bounds.GridSpacing = spacingForPopulation(c.Population)
	}
	if c.Bounds.CenterLat == 0 && c.Bounds.CenterLon == 0 {
		center := c.Bounds.Box().Center()
		c.Bounds.CenterLat = center.Lat
		c.Bounds.CenterLon = center.Lon
	}
	if c.Demographics.IncomeRange == [2]float64{} {
		c.Demographics.IncomeRange = [2]float64{35000, 120000}
	}
	if c.Demographics.AgeRange == [2]float64{} {
		c.Demographics.AgeRange = [2]float64{25, 65}
	}
	if c.Demographics.DensityRange == [2]float64{} {
		c.Demographics.DensityRange = [2]float64{2000, 25000}
	}
}

// spanForPopulation sizes the analysis window by population tier. Larger
// metros get a wider window, capped so grid counts stay tractable.
func spanForPopulation(population int) float64 {
	switch {
	case population >= 900000:
		return 0.26
	case population >= 700000:
		return 0.20
	case population >= 500000:
		return 0.15
	case population >= 300000:
		return 0.12
	default:
		return 0.08
	}
}

func spacingForPopulation(population int) float64 {
	switch {
	case population >= 900000:
		return 0.008
	case population >= 500000:
		return 0.006
	default:
		return 0.005
	}
}

func newCity(id, name, state, county string, population int, centerLat, centerLon float64, saturation, preference float64) *CityConfig {
	span := spanForPopulation(population)
	city := &CityConfig{
		ID:         id,
		Name:       name,
		State:      state,
		Population: population,
		Bounds: Bounds{
			MinLat:      centerLat - span/2,
			MaxLat:      centerLat + span/2,
			MinLon:      centerLon - span/2,
			MaxLon:      centerLon + span/2,
			CenterLat:   centerLat,
			CenterLon:   centerLon,
			GridSpacing: spacingForPopulation(population),
		},
		Market: Market{County: county},
		Competitors: Competitors{
			Primary:          defaultPrimaryCompetitor,
			SearchTerms:      append([]string(nil), defaultSearchTerms...),
			MarketSaturation: saturation,
			PreferenceScore:  preference,
		},
	}
	applyCityDefaults(city)
	return city
}

func builtinCities() []*CityConfig {
	austin := newCity("austin", "Austin", "TX", "Travis", 961855, 30.2672, -97.7431, 0.82, 0.88)
	austin.Market.Universities = []string{"University of Texas at Austin"}
	austin.Market.MajorEmployers = []string{"Dell", "Oracle", "Tesla"}

	columbus := newCity("columbus", "Columbus", "OH", "Franklin", 905748, 39.9612, -82.9988, 0.74, 0.79)
	columbus.Market.Universities = []string{"Ohio State University"}
	columbus.Market.MajorEmployers = []string{"Nationwide", "JPMorgan Chase"}

	charlotte := newCity("charlotte", "Charlotte", "NC", "Mecklenburg", 874579, 35.2271, -80.8431, 0.78, 0.84)
	charlotte.Market.Universities = []string{"UNC Charlotte"}
	charlotte.Market.MajorEmployers = []string{"Bank of America", "Honeywell"}

	denver := newCity("denver", "Denver", "CO", "Denver", 715522, 39.7392, -104.9903, 0.76, 0.81)
	denver.Market.Universities = []string{"University of Denver"}
	denver.Market.MajorEmployers = []string{"Lockheed Martin", "United Airlines"}

	nashville := newCity("nashville", "Nashville", "TN", "Davidson", 689447, 36.1627, -86.7816, 0.71, 0.86)
	nashville.Market.Universities = []string{"Vanderbilt University"}
	nashville.Market.MajorEmployers = []string{"HCA Healthcare", "Nissan North America"}

	portland := newCity("portland", "Portland", "OR", "Multnomah", 652503, 45.5152, -122.6784, 0.69, 0.72)
	portland.Market.Universities = []string{"Portland State University"}
	portland.Market.MajorEmployers = []string{"Nike", "Intel"}

	raleigh := newCity("raleigh", "Raleigh", "NC", "Wake", 467665, 35.7796, -78.6382, 0.66, 0.83)
	raleigh.Market.Universities = []string{"NC State University"}
	raleigh.Market.MajorEmployers = []string{"Cisco", "SAS Institute"}

	tampa := newCity("tampa", "Tampa", "FL", "Hillsborough", 384959, 27.9506, -82.4572, 0.73, 0.77)
	tampa.Market.Universities = []string{"University of South Florida"}
	tampa.Market.MajorEmployers = []string{"Raymond James", "Publix"}

	return []*CityConfig{austin, columbus, charlotte, denver, nashville, portland, raleigh, tampa}
}
