// Package planner computes how a fixed number of send operations is spread
// across a time-of-day window under a named distribution shape.
//
// Everything in this package is pure: no clocks, no storage, no goroutines.
package planner

import (
	"fmt"
	"math"
	"strings"
)

// Shape names the statistical curve governing how volume is weighted across
// the window.
type Shape string

const (
	ShapeEven        Shape = "even"
	ShapeBell        Shape = "bell"
	ShapeFrontLoaded Shape = "front_loaded"
	ShapeBackLoaded  Shape = "back_loaded"
)

func (s Shape) String() string { return string(s) }

// ParseShape accepts the canonical shape names plus the legacy aliases
// "morning" (front-loaded) and "afternoon" (back-loaded).
func ParseShape(raw string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "even":
		return ShapeEven, nil
	case "bell":
		return ShapeBell, nil
	case "front_loaded", "front-loaded", "morning":
		return ShapeFrontLoaded, nil
	case "back_loaded", "back-loaded", "afternoon":
		return ShapeBackLoaded, nil
	default:
		return "", fmt.Errorf("unknown shape %q", raw)
	}
}

// TimeOfDay is a wall-clock minute within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24-hour).
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	s := strings.TrimSpace(raw)
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time %q: want HH:MM", raw)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q: out of range", raw)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) MinuteOfDay() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Bucket is one minute-level slot of the computed distribution.
type Bucket struct {
	Hour   int
	Minute int
	Count  int
}

// windowMinutes returns how many minutes the [start, end) window spans.
// end at or before start wraps past midnight.
func windowMinutes(start, end TimeOfDay) int {
	w := end.MinuteOfDay() - start.MinuteOfDay()
	if w <= 0 {
		w += 24 * 60
	}
	if w < 1 {
		w = 1
	}
	return w
}

// weight returns the unnormalized weight of minute offset i within a window of
// the given length.
func weight(shape Shape, i, window int) float64 {
	var center, sigma float64
	switch shape {
	case ShapeBell:
		center = float64(window) / 2
		sigma = float64(window) / 6
	case ShapeFrontLoaded:
		center = float64(window) / 3
		sigma = float64(window) / 4
	case ShapeBackLoaded:
		center = 2 * float64(window) / 3
		sigma = float64(window) / 4
	default: // even
		return 1
	}
	x := (float64(i) - center) / sigma
	return math.Exp(-0.5 * x * x)
}

// Plan spreads total operations across the window under the given shape and
// returns minute-level buckets ordered by window offset.
//
// Guarantees:
//   - The counts sum to total exactly.
//   - No count is negative.
//   - Minutes whose rounded share is zero are omitted (sparse result).
//   - Windows wrapping midnight produce buckets on both sides of 00:00.
func Plan(total int, start, end TimeOfDay, shape Shape) []Bucket {
	if total <= 0 {
		return nil
	}
	window := windowMinutes(start, end)

	weights := make([]float64, window)
	sum := 0.0
	for i := range weights {
		w := weight(shape, i, window)
		weights[i] = w
		sum += w
	}

	counts := make([]int, window)
	rounded := 0
	for i, w := range weights {
		c := int(math.Round(w / sum * float64(total)))
		counts[i] = c
		rounded += c
	}

	// Rounding rarely lands on the exact total; push the residual into the
	// current peak minute. A negative residual larger than the peak is spread
	// over successive peaks so no bucket goes below zero.
	residual := total - rounded
	for residual != 0 {
		peak := 0
		for i, c := range counts {
			if c > counts[peak] {
				peak = i
			}
		}
		if residual > 0 {
			counts[peak] += residual
			residual = 0
			break
		}
		take := -residual
		if take > counts[peak] {
			take = counts[peak]
		}
		if take == 0 {
			// All buckets empty; nothing left to subtract.
			break
		}
		counts[peak] -= take
		residual += take
	}

	startMin := start.MinuteOfDay()
	buckets := make([]Bucket, 0, window)
	for i, c := range counts {
		if c == 0 {
			continue
		}
		abs := (startMin + i) % (24 * 60)
		buckets = append(buckets, Bucket{Hour: abs / 60, Minute: abs % 60, Count: c})
	}
	return buckets
}

// HourCount is one hour of a preview, ordered by window offset.
type HourCount struct {
	Hour        int     `json:"hour"`
	DisplayHour string  `json:"display_hour"`
	Count       int     `json:"count"`
	Percentage  float64 `json:"percentage"`
}

// Stats summarizes a preview.
type Stats struct {
	PeakHour   int     `json:"peak_hour"`
	PeakCount  int     `json:"peak_count"`
	AvgPerHour float64 `json:"avg_per_hour"`
}

// Preview holds the hour-granularity view of a distribution, for UI preview.
type Preview struct {
	Hourly        map[int]int `json:"hourly"`
	Visualization []HourCount `json:"visualization"`
	Stats         Stats       `json:"stats"`
}

// PlanPreview computes the same distribution as Plan for the window
// [startHour:00, endHour:00) and aggregates it per hour, so a preview always
// matches what a created schedule would do.
func PlanPreview(total, startHour, endHour int, shape Shape) (Preview, error) {
	if startHour < 0 || startHour > 23 || endHour < 0 || endHour > 23 {
		return Preview{}, fmt.Errorf("hours out of range: %d..%d", startHour, endHour)
	}
	hours := endHour - startHour
	if hours <= 0 {
		hours += 24
	}

	buckets := Plan(total, TimeOfDay{Hour: startHour}, TimeOfDay{Hour: endHour}, shape)

	hourly := make(map[int]int, hours)
	for _, b := range buckets {
		hourly[b.Hour] += b.Count
	}

	vis := make([]HourCount, 0, hours)
	peakHour, peakCount := startHour, -1
	for h := 0; h < hours; h++ {
		hour := (startHour + h) % 24
		count := hourly[hour]
		pct := 0.0
		if total > 0 {
			pct = math.Round(float64(count)/float64(total)*1000) / 10
		}
		vis = append(vis, HourCount{
			Hour:        hour,
			DisplayHour: DisplayHour(hour),
			Count:       count,
			Percentage:  pct,
		})
		if count > peakCount {
			peakHour, peakCount = hour, count
		}
	}

	avg := 0.0
	if hours > 0 {
		avg = math.Round(float64(total)/float64(hours)*10) / 10
	}

	return Preview{
		Hourly:        hourly,
		Visualization: vis,
		Stats:         Stats{PeakHour: peakHour, PeakCount: peakCount, AvgPerHour: avg},
	}, nil
}

// DisplayHour renders an hour in 12-hour am/pm form ("12am", "3pm").
func DisplayHour(hour int) string {
	switch {
	case hour == 0:
		return "12am"
	case hour < 12:
		return fmt.Sprintf("%dam", hour)
	case hour == 12:
		return "12pm"
	default:
		return fmt.Sprintf("%dpm", hour-12)
	}
}
