package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kass/sitescout/pkg/models"
)

// CensusClient fetches region-level demographics from an HTTP collaborator
// exposing GET {base}/regions with bounding-box query parameters.
type CensusClient struct {
	baseURL string
	client  *http.Client
}

// NewCensusClient creates a client against the given base URL.
func NewCensusClient(baseURL string, timeout time.Duration) *CensusClient {
	return &CensusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *CensusClient) Name() string { return "census" }

// FetchDemographics requests all region profiles intersecting the box.
func (c *CensusClient) FetchDemographics(ctx context.Context, box models.BoundingBox) ([]models.RegionProfile, error) {
	var payload struct {
		Regions []struct {
			Lat               float64 `json:"lat"`
			Lon               float64 `json:"lon"`
			MedianIncome      float64 `json:"median_income"`
			MedianAge         float64 `json:"median_age"`
			PopulationDensity float64 `json:"population_density"`
			Households        float64 `json:"households"`
		} `json:"regions"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/regions", box, &payload); err != nil {
		return nil, err
	}

	profiles := make([]models.RegionProfile, 0, len(payload.Regions))
	for _, r := range payload.Regions {
		profiles = append(profiles, models.RegionProfile{
			Location: models.Location{Lat: r.Lat, Lon: r.Lon},
			Profile: models.DemographicProfile{
				MedianIncome:      r.MedianIncome,
				MedianAge:         r.MedianAge,
				PopulationDensity: r.PopulationDensity,
				Households:        r.Households,
			},
		})
	}
	return profiles, nil
}

func (c *CensusClient) getJSON(ctx context.Context, endpoint string, box models.BoundingBox, out any) error {
	return getJSON(ctx, c.client, endpoint, box, out)
}

// TrafficClient fetches traffic samples from an HTTP collaborator exposing
// GET {base}/traffic with bounding-box query parameters.
type TrafficClient struct {
	baseURL string
	client  *http.Client
}

// NewTrafficClient creates a client against the given base URL.
func NewTrafficClient(baseURL string, timeout time.Duration) *TrafficClient {
	return &TrafficClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *TrafficClient) Name() string { return "traffic" }

// FetchTraffic requests all traffic samples inside the box.
func (c *TrafficClient) FetchTraffic(ctx context.Context, box models.BoundingBox) ([]models.TrafficSample, error) {
	var payload struct {
		Samples []struct {
			Lat             float64 `json:"lat"`
			Lon             float64 `json:"lon"`
			TrafficScore    float64 `json:"traffic_score"`
			CommercialScore float64 `json:"commercial_score"`
		} `json:"samples"`
	}
	if err := getJSON(ctx, c.client, c.baseURL+"/traffic", box, &payload); err != nil {
		return nil, err
	}

	samples := make([]models.TrafficSample, 0, len(payload.Samples))
	for _, s := range payload.Samples {
		samples = append(samples, models.TrafficSample{
			Location:        models.Location{Lat: s.Lat, Lon: s.Lon},
			TrafficScore:    s.TrafficScore,
			CommercialScore: s.CommercialScore,
		})
	}
	return samples, nil
}

// getJSON performs a bounding-box GET and decodes the JSON response.
func getJSON(ctx context.Context, client *http.Client, endpoint string, box models.BoundingBox, out any) error {
	q := url.Values{}
	q.Set("min_lat", fmt.Sprintf("%.6f", box.BottomLeft.Lat))
	q.Set("min_lon", fmt.Sprintf("%.6f", box.BottomLeft.Lon))
	q.Set("max_lat", fmt.Sprintf("%.6f", box.TopRight.Lat))
	q.Set("max_lon", fmt.Sprintf("%.6f", box.TopRight.Lon))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d, response: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response failed: %w", err)
	}
	return nil
}
