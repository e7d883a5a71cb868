// Package worker provides background jobs: cache warming and the cache
// janitor.
package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/constelar/constelar/internal/airquality"
)

// Target is a region whose granules are prefetched.
type Target struct {
	// Name is the human-readable name of the target.
	Name string

	// Pollutant is the pollutant code to prefetch.
	Pollutant string

	BBox airquality.BoundingBox
}

// PrefetchConfig holds configuration for the prefetch job.
type PrefetchConfig struct {
	// Targets are the regions to prefetch.
	// If empty, uses DefaultTargets.
	Targets []Target

	// Concurrency is the number of concurrent prefetches.
	// Default: 2
	Concurrency int

	// Timeout bounds each target.
	// Default: 5 minutes
	Timeout time.Duration
}

// DefaultPrefetchConfig returns the default prefetch configuration.
func DefaultPrefetchConfig() PrefetchConfig {
	return PrefetchConfig{
		Targets:     DefaultTargets(),
		Concurrency: 2,
		Timeout:     5 * time.Minute,
	}
}

// DefaultTargets returns NO2 boxes over large metropolitan areas inside the
// TEMPO field of regard.
func DefaultTargets() []Target {
	return []Target{
		{Name: "Los Angeles", Pollutant: airquality.CodeNO2, BBox: airquality.BoundingBox{West: -118.7, South: 33.6, East: -117.6, North: 34.4}},
		{Name: "Houston", Pollutant: airquality.CodeNO2, BBox: airquality.BoundingBox{West: -95.8, South: 29.5, East: -95.0, North: 30.1}},
		{Name: "New York", Pollutant: airquality.CodeNO2, BBox: airquality.BoundingBox{West: -74.3, South: 40.5, East: -73.7, North: 40.9}},
		{Name: "Mexico City", Pollutant: airquality.CodeNO2, BBox: airquality.BoundingBox{West: -99.4, South: 19.2, East: -98.9, North: 19.6}},
		{Name: "Toronto", Pollutant: airquality.CodeNO2, BBox: airquality.BoundingBox{West: -79.6, South: 43.6, East: -79.1, North: 43.9}},
	}
}

// ParseTargets parses "name:code:w,s,e,n" entries separated by semicolons.
// An empty string yields DefaultTargets.
func ParseTargets(s string) ([]Target, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultTargets(), nil
	}

	var targets []Target
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("prefetch target %q: want name:pollutant:w,s,e,n", entry)
		}
		bbox, err := airquality.ParseBoundingBox(parts[2])
		if err != nil {
			return nil, fmt.Errorf("prefetch target %q: %w", entry, err)
		}
		targets = append(targets, Target{
			Name:      strings.TrimSpace(parts[0]),
			Pollutant: airquality.NormalizeCode(parts[1]),
			BBox:      bbox,
		})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no prefetch targets in %q", s)
	}
	return targets, nil
}
