package pipeline

import (
	"time"

	"github.com/kass/sitescout/pkg/models"
	"github.com/kass/sitescout/pkg/revenue"
)

// CityResultSet is the deliverable of one completed pipeline run: the scored
// feature table ordered by predicted revenue, the competitor data behind it,
// the trained model, and run metadata. Once cached it is shared read-only
// state; a refresh replaces the entry, never mutates it in place.
type CityResultSet struct {
	CityID         string                     `json:"city_id"`
	RunID          string                     `json:"run_id"`
	Rows           []models.FeatureRow        `json:"rows"`
	Competitors    []models.CompetitorRecord  `json:"competitors"`
	Model          *revenue.Forest            `json:"-"`
	Metrics        revenue.Metrics            `json:"metrics"`
	Provenance     map[string]string          `json:"provenance"`
	Degradations   []models.Degradation       `json:"degradations,omitempty"`
	DroppedRows    int                        `json:"dropped_rows"`
	FetchedAt      time.Time                  `json:"fetched_at"`
	GenerationTime time.Duration              `json:"generation_time"`
}

// TopLocations returns the n highest-revenue rows. Rows are already sorted
// descending by predicted revenue.
func (rs *CityResultSet) TopLocations(n int) []models.FeatureRow {
	if n < 0 {
		n = 0
	}
	if n > len(rs.Rows) {
		n = len(rs.Rows)
	}
	return rs.Rows[:n]
}

// Degraded reports whether any data source fell back to synthetic data
// during the run.
func (rs *CityResultSet) Degraded() bool {
	return len(rs.Degradations) > 0
}
