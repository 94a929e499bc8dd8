package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kass/sitescout/pkg/api"
	"github.com/kass/sitescout/pkg/config"
	"github.com/kass/sitescout/pkg/fetch"
	"github.com/kass/sitescout/pkg/grid"
	"github.com/kass/sitescout/pkg/models"
	"github.com/kass/sitescout/pkg/pipeline"
	"github.com/kass/sitescout/pkg/store"
)

var (
	citiesDir string
	cityID    string
	forceRun  bool
	topN      int
	toStore   bool

	listenAddr  string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "sitescout",
	Short: "Restaurant site-selection analytics",
	Long: `Analyze candidate restaurant locations for a city: fetch demographic,
competitor, and traffic data, train a revenue model, and rank the grid of
candidate sites by predicted revenue.`,
}

var citiesCmd = &cobra.Command{
	Use:   "cities",
	Short: "List the configured cities",
	Long:  `List every city in the registry, including any loaded from --cities-dir.`,
	Run:   runCities,
}

var gridCmd = &cobra.Command{
	Use:   "grid",
	Short: "Preview the candidate-location grid for a city",
	Long:  `Generate the evaluation lattice for a city and print its size and sample points.`,
	Run:   runGrid,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the full analysis pipeline for a city",
	Long: `Fetch data, engineer features, train the revenue model, and print the
top-ranked locations. Sources without configured endpoints are served from
deterministic synthetic data.`,
	Run: runAnalyze,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the analysis API over HTTP",
	Long: `Expose the city registry and on-demand analyses as a JSON API, with
Prometheus metrics on a separate listener.`,
	Run: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&citiesDir, "cities-dir", "", "Directory of city YAML files overlaying the built-in registry")

	gridCmd.Flags().StringVarP(&cityID, "city", "c", "", "City ID (see 'sitescout cities')")
	_ = gridCmd.MarkFlagRequired("city")

	analyzeCmd.Flags().StringVarP(&cityID, "city", "c", "", "City ID (see 'sitescout cities')")
	analyzeCmd.Flags().BoolVar(&forceRun, "force", false, "Re-run the pipeline even when a fresh cached result exists")
	analyzeCmd.Flags().IntVarP(&topN, "top", "n", 10, "Number of ranked locations to print")
	analyzeCmd.Flags().BoolVar(&toStore, "store", false, "Persist the scored run to Postgres (requires SITESCOUT_POSTGRES_DSN)")
	_ = analyzeCmd.MarkFlagRequired("city")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "API listen address (default from SITESCOUT_HTTP_ADDR)")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "Metrics listen address (default from SITESCOUT_METRICS_ADDR)")

	rootCmd.AddCommand(citiesCmd, gridCmd, analyzeCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRegistry returns the built-in registry overlaid with any YAML city
// files from --cities-dir or SITESCOUT_CITIES_DIR.
func buildRegistry(cfg config.Config) *config.Registry {
	registry := config.NewRegistry()
	dir := citiesDir
	if dir == "" {
		dir = cfg.CitiesDir
	}
	if dir != "" {
		if err := registry.LoadDir(dir); err != nil {
			log.Fatalf("Failed to load city configs: %v", err)
		}
	}
	return registry
}

func runCities(cmd *cobra.Command, args []string) {
	cfg := config.Load()
	registry := buildRegistry(cfg)

	fmt.Printf("%-12s %-18s %-5s %12s  %s\n", "ID", "NAME", "STATE", "POPULATION", "BOUNDS")
	for _, id := range registry.IDs() {
		city, err := registry.Get(id)
		if err != nil {
			continue
		}
		fmt.Printf("%-12s %-18s %-5s %12d  %.4f..%.4f, %.4f..%.4f\n",
			city.ID, city.Name, city.State, city.Population,
			city.Bounds.MinLat, city.Bounds.MaxLat, city.Bounds.MinLon, city.Bounds.MaxLon)
	}
	fmt.Printf("\n%d cities configured\n", registry.Len())
}

func runGrid(cmd *cobra.Command, args []string) {
	cfg := config.Load()
	registry := buildRegistry(cfg)

	city, err := registry.Get(cityID)
	if err != nil {
		log.Fatalf("Unknown city: %v", err)
	}

	points, err := grid.GenerateForCity(city, cfg.MaxGridPoints)
	if err != nil {
		log.Fatalf("Failed to generate grid: %v", err)
	}

	fmt.Printf("Generated %d candidate locations for %s, %s (cap %d)\n",
		len(points), city.Name, city.State, cfg.MaxGridPoints)
	fmt.Printf("Bounds: %.4f..%.4f lat, %.4f..%.4f lon\n",
		city.Bounds.MinLat, city.Bounds.MaxLat, city.Bounds.MinLon, city.Bounds.MaxLon)

	sample := points
	if len(sample) > 5 {
		sample = sample[:5]
	}
	for _, p := range sample {
		fmt.Printf("  (%.4f, %.4f)\n", p.Latitude, p.Longitude)
	}
	if len(points) > len(sample) {
		fmt.Printf("  ... %d more\n", len(points)-len(sample))
	}
}

func runAnalyze(cmd *cobra.Command, args []string) {
	cfg := config.Load()
	registry := buildRegistry(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache := pipeline.NewCache(cfg.CacheTTL)
	loadSnapshot(cache, cfg.SnapshotPath)

	opts := []pipeline.LoaderOption{}
	if toStore {
		if cfg.PostgresDSN == "" {
			log.Fatalf("--store requires SITESCOUT_POSTGRES_DSN")
		}
		pg, err := store.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}
		defer pg.Close()
		if err := pg.InitSchema(ctx); err != nil {
			log.Fatalf("Failed to initialize store schema: %v", err)
		}
		opts = append(opts, pipeline.WithStore(pg))
	}

	loader := pipeline.NewLoader(cfg, registry, cache, fetch.NewFromConfig(cfg), opts...)

	rs, err := loader.LoadCityData(ctx, cityID, pipeline.LoadOptions{
		ForceRefresh: forceRun,
		OnProgress: func(ev models.ProgressEvent) {
			line := fmt.Sprintf("%5.1f%%  %-9s %s", ev.Percent, ev.Stage, ev.StepName)
			if ev.ETA > 0 {
				line += fmt.Sprintf(" (eta %s)", ev.ETA.Round(time.Second))
			}
			fmt.Println(line)
		},
	})
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	printResultSummary(rs, topN)

	saveSnapshot(cache, cfg.SnapshotPath)
}

func printResultSummary(rs *pipeline.CityResultSet, n int) {
	fmt.Printf("\nRun %s for %s: %d locations scored in %s (%d dropped)\n",
		rs.RunID, rs.CityID, len(rs.Rows), rs.GenerationTime.Round(time.Millisecond), rs.DroppedRows)

	for source, provenance := range rs.Provenance {
		fmt.Printf("  %-13s %s\n", source+":", provenance)
	}
	for _, d := range rs.Degradations {
		fmt.Printf("  degraded: %s (%s)\n", d.Source, d.Reason)
	}

	fmt.Printf("\nModel: R²=%.3f  CV MAE=$%.0f  rows=%d", rs.Metrics.R2, rs.Metrics.CVMAE, rs.Metrics.Rows)
	if rs.Metrics.Synthetic {
		fmt.Print("  (synthetic training targets)")
	}
	if rs.Metrics.LowVariance {
		fmt.Print("  LOW VARIANCE")
	}
	fmt.Println()

	if rs.Model != nil {
		fmt.Println("Top feature weights:")
		importances := rs.Model.FeatureImportance()
		if len(importances) > 5 {
			importances = importances[:5]
		}
		for _, imp := range importances {
			fmt.Printf("  %-30s %.3f\n", imp.Feature, imp.Weight)
		}
	}

	fmt.Printf("\n%-4s %-10s %-11s %12s %10s %9s %6s\n",
		"RANK", "LAT", "LON", "REVENUE", "INCOME", "TRAFFIC", "COMP")
	for i, row := range rs.TopLocations(n) {
		fmt.Printf("%-4d %-10.4f %-11.4f %12s %10s %9.1f %6.0f\n",
			i+1, row.Latitude, row.Longitude,
			fmt.Sprintf("$%.2fM", row.PredictedRevenue/1e6),
			fmt.Sprintf("$%.0fK", row.MedianIncome/1e3),
			row.TrafficScore, row.CompetitionDensity)
	}
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := config.Load()
	if listenAddr == "" {
		listenAddr = cfg.HTTPAddr
	}
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}
	registry := buildRegistry(cfg)
	logger := slog.Default()

	cache := pipeline.NewCache(cfg.CacheTTL)
	loadSnapshot(cache, cfg.SnapshotPath)

	opts := []pipeline.LoaderOption{pipeline.WithLoaderLogger(logger)}
	if cfg.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.Open(ctx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}
		defer pg.Close()
		if err := pg.InitSchema(context.Background()); err != nil {
			log.Fatalf("Failed to initialize store schema: %v", err)
		}
		opts = append(opts, pipeline.WithStore(pg))
	}

	loader := pipeline.NewLoader(cfg, registry, cache, fetch.NewFromConfig(cfg), opts...)

	mux := http.NewServeMux()
	api.NewHandler(registry, loader, logger).RegisterRoutes(mux)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	// The write timeout must outlast a full pipeline run.
	server := &http.Server{
		Addr:         listenAddr,
		Handler:      requestLogger(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.PipelineBudget + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: metricsMux,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("metrics listening", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics server error: %v", err)
		}
	}()
	go func() {
		logger.Info("sitescout api listening", "addr", listenAddr, "cities", registry.Len())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", "error", err)
	}

	saveSnapshot(cache, cfg.SnapshotPath)
}

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

// loadSnapshot warms the cache from disk. A missing snapshot is not an error.
func loadSnapshot(cache *pipeline.Cache, path string) {
	if path == "" {
		return
	}
	if err := cache.LoadFromFile(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		log.Printf("Warning: could not load cache snapshot: %v", err)
		return
	}
	fmt.Printf("Restored %d cached result sets from %s\n", cache.Len(), path)
}

func saveSnapshot(cache *pipeline.Cache, path string) {
	if path == "" {
		return
	}
	if err := cache.SaveToFile(path); err != nil {
		log.Printf("Warning: could not save cache snapshot: %v", err)
		return
	}
	fmt.Printf("Cache snapshot saved to %s\n", path)
}
