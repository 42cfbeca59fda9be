package model

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/sells-group/pu-workbench/internal/apperr"
)

// FilterParameters configures candidate generation for a run. Once embedded
// in a committed generation it is treated as immutable.
type FilterParameters struct {
	// Numeric thresholds.
	OutlierZScore           float64 `json:"outlier_z_score" yaml:"outlier_z_score"`
	SpikePercent            float64 `json:"spike_percent" yaml:"spike_percent"`
	MinEventDurationMinutes int     `json:"min_event_duration_minutes" yaml:"min_event_duration_minutes"`
	MaxTimeGapMinutes       int     `json:"max_time_gap_minutes" yaml:"max_time_gap_minutes"`
	PeerDeviationPercent    float64 `json:"peer_deviation_percent" yaml:"peer_deviation_percent"`
	PeerMinCount            int     `json:"peer_min_count" yaml:"peer_min_count"`

	// Time window. Daily times are "HH:MM".
	StartDate      time.Time `json:"start_date" yaml:"start_date"`
	EndDate        time.Time `json:"end_date" yaml:"end_date"`
	DailyStartTime string    `json:"daily_start_time,omitempty" yaml:"daily_start_time,omitempty"`
	DailyEndTime   string    `json:"daily_end_time,omitempty" yaml:"daily_end_time,omitempty"`

	// Spatial selection: dataset, building, or floor identifiers.
	Datasets []string `json:"datasets" yaml:"datasets"`
}

// DefaultFilterParameters returns the thresholds a new run starts from.
func DefaultFilterParameters() FilterParameters {
	return FilterParameters{
		OutlierZScore:           3.0,
		SpikePercent:            50,
		MinEventDurationMinutes: 15,
		MaxTimeGapMinutes:       60,
		PeerDeviationPercent:    30,
		PeerMinCount:            3,
		DailyStartTime:          "00:00",
		DailyEndTime:            "23:59",
	}
}

// Clone returns a deep copy.
func (p FilterParameters) Clone() FilterParameters {
	p.Datasets = slices.Clone(p.Datasets)
	return p
}

// Validate checks the field-level constraints: finite non-negative thresholds,
// StartDate <= EndDate, and well-formed time-of-day values.
func (p FilterParameters) Validate() error {
	nonNeg := []struct {
		field string
		v     float64
	}{
		{"outlier_z_score", p.OutlierZScore},
		{"spike_percent", p.SpikePercent},
		{"min_event_duration_minutes", float64(p.MinEventDurationMinutes)},
		{"max_time_gap_minutes", float64(p.MaxTimeGapMinutes)},
		{"peer_deviation_percent", p.PeerDeviationPercent},
		{"peer_min_count", float64(p.PeerMinCount)},
	}
	for _, n := range nonNeg {
		if math.IsNaN(n.v) || math.IsInf(n.v, 0) {
			return apperr.FieldValidation(n.field, "must be a finite number")
		}
		if n.v < 0 {
			return apperr.FieldValidation(n.field, "must not be negative")
		}
	}
	if !p.StartDate.IsZero() && !p.EndDate.IsZero() && p.StartDate.After(p.EndDate) {
		return apperr.FieldValidation("start_date", "must not be after end_date")
	}
	for _, tod := range []struct{ field, v string }{
		{"daily_start_time", p.DailyStartTime},
		{"daily_end_time", p.DailyEndTime},
	} {
		if tod.v == "" {
			continue
		}
		if _, err := time.Parse("15:04", tod.v); err != nil {
			return apperr.FieldValidation(tod.field, "must be HH:MM, got %q", tod.v)
		}
	}
	return nil
}

// ValidateForGeneration applies Validate plus the requirement that at least
// one dataset is selected.
func (p FilterParameters) ValidateForGeneration() error {
	if err := p.Validate(); err != nil {
		return err
	}
	for _, d := range p.Datasets {
		if strings.TrimSpace(d) != "" {
			return nil
		}
	}
	return apperr.FieldValidation("datasets", "no dataset selected")
}
