// Package spatial implements an R-Tree index over competitor locations with
// goroutine-based parallel search across longitude partitions.
package spatial

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dhconnelly/rtreego"

	"github.com/kass/sitescout/pkg/models"
)

const (
	tolerance        = 0.01
	minChildren      = 25
	maxChildren      = 50
	dimensions       = 2
	earthRadiusMiles = 3958.8
)

// spatialEntry wraps a competitor record to implement rtreego.Spatial
type spatialEntry struct {
	record *models.CompetitorRecord
	rect   *rtreego.Rect
}

func (se *spatialEntry) Bounds() *rtreego.Rect {
	return se.rect
}

// CompetitorIndex is a thread-safe R-Tree index over competitor records,
// partitioned by longitude band for parallel query execution.
type CompetitorIndex struct {
	partitions []*rtreego.Rtree
	numBands   int
	mu         sync.RWMutex
	itemCount  atomic.Int64

	partitionBounds []models.BoundingBox
}

// NewCompetitorIndex creates an index with one partition per CPU.
func NewCompetitorIndex() *CompetitorIndex {
	return NewCompetitorIndexWithPartitions(runtime.NumCPU())
}

// NewCompetitorIndexWithPartitions creates an index with the given partition
// count.
func NewCompetitorIndexWithPartitions(numBands int) *CompetitorIndex {
	if numBands <= 0 {
		numBands = runtime.NumCPU()
	}

	partitions := make([]*rtreego.Rtree, numBands)
	partitionBounds := make([]models.BoundingBox, numBands)

	// Partition the globe into longitude bands
	lonRange := 360.0 / float64(numBands)
	for i := 0; i < numBands; i++ {
		partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)

		minLon := -180.0 + float64(i)*lonRange
		maxLon := minLon + lonRange
		if i == numBands-1 {
			maxLon = 180.0
		}

		partitionBounds[i] = models.BoundingBox{
			BottomLeft: models.Location{Lat: -90, Lon: minLon},
			TopRight:   models.Location{Lat: 90, Lon: maxLon},
		}
	}

	return &CompetitorIndex{
		partitions:      partitions,
		numBands:        numBands,
		partitionBounds: partitionBounds,
	}
}

// IndexRecords adds competitor records to the index, distributing them to
// longitude partitions and inserting in parallel.
func (c *CompetitorIndex) IndexRecords(records []models.CompetitorRecord) error {
	if len(records) == 0 {
		return nil
	}

	partitioned := make([][]*spatialEntry, c.numBands)
	for i := range partitioned {
		partitioned[i] = make([]*spatialEntry, 0, len(records)/c.numBands+1)
	}

	lonRange := 360.0 / float64(c.numBands)
	for i := range records {
		rec := &records[i]
		p := rtreego.Point{rec.Latitude, rec.Longitude}
		entry := &spatialEntry{record: rec, rect: p.ToRect(tolerance)}

		idx := int((rec.Longitude + 180.0) / lonRange)
		if idx >= c.numBands {
			idx = c.numBands - 1
		}
		if idx < 0 {
			idx = 0
		}
		partitioned[idx] = append(partitioned[idx], entry)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var wg sync.WaitGroup
	var inserted atomic.Int64

	for i := 0; i < c.numBands; i++ {
		if len(partitioned[i]) == 0 {
			continue
		}

		wg.Add(1)
		go func(band int, entries []*spatialEntry) {
			defer wg.Done()
			for _, entry := range entries {
				c.partitions[band].Insert(entry)
			}
			inserted.Add(int64(len(entries)))
		}(i, partitioned[i])
	}

	wg.Wait()
	c.itemCount.Add(inserted.Load())
	return nil
}

// Within returns all competitors within radiusMiles of the center, searching
// the relevant partitions in parallel.
func (c *CompetitorIndex) Within(center models.Location, radiusMiles float64) []models.CompetitorRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Convert radius to a degree box for the initial filter
	deg := (radiusMiles / earthRadiusMiles) * (180 / math.Pi)
	queryBox := models.BoundingBox{
		BottomLeft: models.Location{Lat: center.Lat - deg, Lon: center.Lon - deg},
		TopRight:   models.Location{Lat: center.Lat + deg, Lon: center.Lon + deg},
	}

	relevant := c.relevantPartitions(queryBox)
	resultsChan := make(chan []models.CompetitorRecord, len(relevant))

	for _, idx := range relevant {
		go func(band int) {
			bounds, err := rtreego.NewRect(
				rtreego.Point{center.Lat - deg, center.Lon - deg},
				[]float64{2 * deg, 2 * deg},
			)
			if err != nil {
				resultsChan <- nil
				return
			}

			matches := c.partitions[band].SearchIntersect(bounds)

			records := make([]models.CompetitorRecord, 0, len(matches))
			for _, m := range matches {
				entry, ok := m.(*spatialEntry)
				if !ok || entry.record == nil {
					continue
				}
				dist := DistanceMiles(center.Lat, center.Lon, entry.record.Latitude, entry.record.Longitude)
				if dist <= radiusMiles {
					records = append(records, *entry.record)
				}
			}
			resultsChan <- records
		}(idx)
	}

	var all []models.CompetitorRecord
	for range relevant {
		if records := <-resultsChan; records != nil {
			all = append(all, records...)
		}
	}
	return all
}

// CountWithin returns the number of competitors within radiusMiles.
func (c *CompetitorIndex) CountWithin(center models.Location, radiusMiles float64) int {
	return len(c.Within(center, radiusMiles))
}

// Nearest returns the closest competitor to the location and its distance in
// miles. ok is false when the index is empty.
func (c *CompetitorIndex) Nearest(center models.Location) (models.CompetitorRecord, float64, bool) {
	recs := c.NearestN(center, 1)
	if len(recs) == 0 {
		return models.CompetitorRecord{}, 0, false
	}
	dist := DistanceMiles(center.Lat, center.Lon, recs[0].Latitude, recs[0].Longitude)
	return recs[0], dist, true
}

// NearestN returns up to n competitors ordered by distance, merging parallel
// per-partition candidates.
func (c *CompetitorIndex) NearestN(center models.Location, n int) []models.CompetitorRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	type candidate struct {
		record   *models.CompetitorRecord
		distance float64
	}

	resultsChan := make(chan []candidate, c.numBands)

	for i := 0; i < c.numBands; i++ {
		go func(band int) {
			queryPoint := rtreego.Point{center.Lat, center.Lon}
			// Over-fetch per partition so the merged top n is correct
			matches := c.partitions[band].NearestNeighbors(n*2, queryPoint)

			candidates := make([]candidate, 0, len(matches))
			for _, m := range matches {
				entry, ok := m.(*spatialEntry)
				if !ok || entry.record == nil {
					continue
				}
				candidates = append(candidates, candidate{
					record:   entry.record,
					distance: DistanceMiles(center.Lat, center.Lon, entry.record.Latitude, entry.record.Longitude),
				})
			}
			resultsChan <- candidates
		}(i)
	}

	var all []candidate
	for i := 0; i < c.numBands; i++ {
		all = append(all, <-resultsChan...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].distance < all[j].distance })

	if n > len(all) {
		n = len(all)
	}
	records := make([]models.CompetitorRecord, n)
	for i := 0; i < n; i++ {
		records[i] = *all[i].record
	}
	return records
}

// Count returns the number of indexed competitors.
func (c *CompetitorIndex) Count() int64 {
	return c.itemCount.Load()
}

// Clear removes all records from the index.
func (c *CompetitorIndex) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < c.numBands; i++ {
		c.partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)
	}
	c.itemCount.Store(0)
}

func (c *CompetitorIndex) relevantPartitions(box models.BoundingBox) []int {
	var relevant []int
	for i, bounds := range c.partitionBounds {
		if box.BottomLeft.Lon <= bounds.TopRight.Lon &&
			box.TopRight.Lon >= bounds.BottomLeft.Lon {
			relevant = append(relevant, i)
		}
	}
	return relevant
}

// DistanceMiles calculates the Haversine distance between two points in miles
func DistanceMiles(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMiles * c
}
