// Package api exposes the HTTP JSON surface over the analysis pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kass/sitescout/pkg/config"
	"github.com/kass/sitescout/pkg/models"
	"github.com/kass/sitescout/pkg/pipeline"
	"github.com/kass/sitescout/pkg/spatial"
)

// defaultTopN is how many ranked locations an analysis response carries when
// the caller does not ask for a specific count.
const defaultTopN = 10

// Handler coordinates HTTP requests with the pipeline loader.
type Handler struct {
	registry *config.Registry
	loader   *pipeline.Loader
	logger   *slog.Logger
}

// NewHandler builds a Handler over a city registry and a loader.
func NewHandler(registry *config.Registry, loader *pipeline.Loader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, loader: loader, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/cities", h.cities)
	mux.HandleFunc("/api/cities/", h.cityResource)
	mux.HandleFunc("/healthz", healthz)
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// BoundsView is the JSON shape of a city's bounding box.
type BoundsView struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// CityView is one registry entry.
type CityView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	State      string     `json:"state"`
	Population int        `json:"population"`
	Bounds     BoundsView `json:"bounds"`
}

// LocationView is one ranked candidate site.
type LocationView struct {
	Rank                 int     `json:"rank"`
	Latitude             float64 `json:"latitude"`
	Longitude            float64 `json:"longitude"`
	PredictedRevenue     float64 `json:"predicted_revenue"`
	MedianIncome         float64 `json:"median_income"`
	TrafficScore         float64 `json:"traffic_score"`
	CompetitionDensity   float64 `json:"competition_density"`
	DistanceToCompetitor float64 `json:"distance_to_competitor_miles"`
}

// MetricsView summarizes model quality for one run.
type MetricsView struct {
	R2          float64 `json:"r2"`
	CVMAE       float64 `json:"cv_mae"`
	Rows        int     `json:"rows"`
	Synthetic   bool    `json:"synthetic"`
	LowVariance bool    `json:"low_variance"`
}

// AnalysisView is the response for a city analysis request.
type AnalysisView struct {
	CityID       string               `json:"city_id"`
	RunID        string               `json:"run_id"`
	FetchedAt    time.Time            `json:"fetched_at"`
	GenerationMS int64                `json:"generation_ms"`
	RowsBuilt    int                  `json:"rows_built"`
	RowsDropped  int                  `json:"rows_dropped"`
	Provenance   map[string]string    `json:"provenance"`
	Degradations []models.Degradation `json:"degradations"`
	Metrics      MetricsView          `json:"metrics"`
	Locations    []LocationView       `json:"locations"`
}

// CompetitorsView is the response for a city competitors request.
type CompetitorsView struct {
	CityID      string                    `json:"city_id"`
	Count       int                       `json:"count"`
	Competitors []models.CompetitorRecord `json:"competitors"`
}

func (h *Handler) cities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	views := make([]CityView, 0, h.registry.Len())
	for _, id := range h.registry.IDs() {
		city, err := h.registry.Get(id)
		if err != nil {
			continue
		}
		views = append(views, toCityView(city))
	}
	writeJSON(w, http.StatusOK, views)
}

// cityResource routes /api/cities/{id}, /api/cities/{id}/locations, and
// /api/cities/{id}/competitors.
func (h *Handler) cityResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/cities/")
	parts := strings.SplitN(path, "/", 2)
	cityID := parts[0]
	if cityID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing city id")
		return
	}

	resource := ""
	if len(parts) == 2 {
		resource = parts[1]
	}
	switch resource {
	case "":
		h.city(w, cityID)
	case "locations":
		h.locations(w, r, cityID)
	case "competitors":
		h.competitors(w, r, cityID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown resource "+resource)
	}
}

func (h *Handler) city(w http.ResponseWriter, cityID string) {
	city, err := h.registry.Get(cityID)
	if err != nil {
		h.writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCityView(city))
}

func (h *Handler) locations(w http.ResponseWriter, r *http.Request, cityID string) {
	q := r.URL.Query()

	n := defaultTopN
	if raw := q.Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "n must be a positive integer")
			return
		}
		n = v
	}
	force := false
	if raw := q.Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "force must be a boolean")
			return
		}
		force = v
	}

	rs, err := h.loader.LoadCityData(r.Context(), cityID, pipeline.LoadOptions{ForceRefresh: force})
	if err != nil {
		h.writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnalysisView(rs, n))
}

func (h *Handler) competitors(w http.ResponseWriter, r *http.Request, cityID string) {
	rs, err := h.loader.LoadCityData(r.Context(), cityID, pipeline.LoadOptions{})
	if err != nil {
		h.writeLoadError(w, err)
		return
	}

	records := rs.Competitors
	q := r.URL.Query()
	if near := q.Get("near"); near != "" {
		center, err := parseLatLon(near)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		radius := 1.5
		if raw := q.Get("radius"); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || v <= 0 {
				writeError(w, http.StatusBadRequest, "invalid_request", "radius must be a positive number of miles")
				return
			}
			radius = v
		}

		index := spatial.NewCompetitorIndex()
		if err := index.IndexRecords(records); err != nil {
			h.logger.Error("failed to index competitors", "city_id", cityID, "error", err)
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		records = index.Within(center, radius)
	}

	writeJSON(w, http.StatusOK, CompetitorsView{
		CityID:      cityID,
		Count:       len(records),
		Competitors: records,
	})
}

// writeLoadError maps pipeline failures onto HTTP statuses.
func (h *Handler) writeLoadError(w http.ResponseWriter, err error) {
	var cfgErr *config.ConfigurationError
	var timeoutErr *pipeline.PipelineTimeoutError
	switch {
	case errors.As(err, &cfgErr):
		status := http.StatusBadRequest
		if cfgErr.Field == "city_id" {
			status = http.StatusNotFound
		}
		writeError(w, status, "invalid_configuration", cfgErr.Error())
	case errors.As(err, &timeoutErr):
		writeError(w, http.StatusGatewayTimeout, "pipeline_timeout", err.Error())
	case errors.Is(err, context.Canceled):
		// Caller went away; nothing useful to write.
	default:
		h.logger.Error("analysis failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func toCityView(city *config.CityConfig) CityView {
	return CityView{
		ID:         city.ID,
		Name:       city.Name,
		State:      city.State,
		Population: city.Population,
		Bounds: BoundsView{
			MinLat: city.Bounds.MinLat,
			MaxLat: city.Bounds.MaxLat,
			MinLon: city.Bounds.MinLon,
			MaxLon: city.Bounds.MaxLon,
		},
	}
}

func toAnalysisView(rs *pipeline.CityResultSet, n int) AnalysisView {
	top := rs.TopLocations(n)
	locations := make([]LocationView, 0, len(top))
	for i, row := range top {
		locations = append(locations, LocationView{
			Rank:                 i + 1,
			Latitude:             row.Latitude,
			Longitude:            row.Longitude,
			PredictedRevenue:     row.PredictedRevenue,
			MedianIncome:         row.MedianIncome,
			TrafficScore:         row.TrafficScore,
			CompetitionDensity:   row.CompetitionDensity,
			DistanceToCompetitor: row.DistanceToCompetitor,
		})
	}

	degradations := rs.Degradations
	if degradations == nil {
		degradations = []models.Degradation{}
	}

	return AnalysisView{
		CityID:       rs.CityID,
		RunID:        rs.RunID,
		FetchedAt:    rs.FetchedAt,
		GenerationMS: rs.GenerationTime.Milliseconds(),
		RowsBuilt:    len(rs.Rows),
		RowsDropped:  rs.DroppedRows,
		Provenance:   rs.Provenance,
		Degradations: degradations,
		Metrics: MetricsView{
			R2:          rs.Metrics.R2,
			CVMAE:       rs.Metrics.CVMAE,
			Rows:        rs.Metrics.Rows,
			Synthetic:   rs.Metrics.Synthetic,
			LowVariance: rs.Metrics.LowVariance,
		},
		Locations: locations,
	}
}

// parseLatLon parses "lat,lon" query values.
func parseLatLon(raw string) (models.Location, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return models.Location{}, errors.New("near must be lat,lon")
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return models.Location{}, errors.New("near must be lat,lon")
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return models.Location{}, errors.New("near must be lat,lon")
	}
	return models.Location{Lat: lat, Lon: lon}, nil
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
