package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kass/sitescout/pkg/config"
	"github.com/kass/sitescout/pkg/fetch"
	"github.com/kass/sitescout/pkg/models"
	"github.com/kass/sitescout/pkg/pipeline"
	"github.com/kass/sitescout/pkg/spatial"
)

func main() {
	// Built-in city registry, no external endpoints configured. Every
	// source falls back to deterministic synthetic data, so this example
	// runs fully offline.
	cfg := config.Default()
	cfg.MaxGridPoints = 200

	registry := config.NewRegistry()
	cache := pipeline.NewCache(cfg.CacheTTL)
	fetcher := fetch.New(nil, nil, nil)
	loader := pipeline.NewLoader(cfg, registry, cache, fetcher)

	// Example 1: run the full pipeline for a city
	fmt.Println("=== Analyzing Austin ===")
	rs, err := loader.LoadCityData(context.Background(), "austin", pipeline.LoadOptions{
		OnProgress: func(ev models.ProgressEvent) {
			fmt.Printf("  %5.1f%%  %s\n", ev.Percent, ev.StepName)
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Scored %d locations in %s\n", len(rs.Rows), rs.GenerationTime.Round(time.Millisecond))

	// Example 2: the top-ranked candidate sites
	fmt.Println("\n=== Top 5 Locations ===")
	for i, row := range rs.TopLocations(5) {
		fmt.Printf("  %d. (%.4f, %.4f)  $%.2fM/yr  income $%.0fK  traffic %.0f\n",
			i+1, row.Latitude, row.Longitude,
			row.PredictedRevenue/1e6, row.MedianIncome/1e3, row.TrafficScore)
	}

	// Example 3: model quality and data provenance
	fmt.Println("\n=== Run Quality ===")
	fmt.Printf("R²=%.3f  CV MAE=$%.0f  rows=%d  synthetic=%v\n",
		rs.Metrics.R2, rs.Metrics.CVMAE, rs.Metrics.Rows, rs.Metrics.Synthetic)
	for source, provenance := range rs.Provenance {
		fmt.Printf("  %s: %s\n", source, provenance)
	}

	// Example 4: competitors near the best site
	fmt.Println("\n=== Competitors Near Best Site ===")
	best := rs.TopLocations(1)[0]
	index := spatial.NewCompetitorIndex()
	if err := index.IndexRecords(rs.Competitors); err != nil {
		log.Fatal(err)
	}
	center := models.Location{Lat: best.Latitude, Lon: best.Longitude}
	for _, rec := range index.Within(center, 3.0) {
		miles := spatial.DistanceMiles(best.Latitude, best.Longitude, rec.Latitude, rec.Longitude)
		fmt.Printf("  - %s: %.1f miles away\n", rec.Name, miles)
	}

	// Example 5: a second load is served from the cache
	fmt.Println("\n=== Cached Reload ===")
	start := time.Now()
	again, err := loader.LoadCityData(context.Background(), "austin", pipeline.LoadOptions{})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Cached load took %s (run %s)\n", time.Since(start).Round(time.Microsecond), again.RunID)
}
