package model

import (
	"cmp"
	"slices"
	"time"

	"github.com/sells-group/pu-workbench/internal/apperr"
)

// CandidateStatus is the review state of an anomaly candidate.
type CandidateStatus string

const (
	CandidateUnreviewed        CandidateStatus = "UNREVIEWED"
	CandidateConfirmedPositive CandidateStatus = "CONFIRMED_POSITIVE"
	CandidateRejectedNormal    CandidateStatus = "REJECTED_NORMAL"
)

// Valid reports whether s is a known candidate status.
func (s CandidateStatus) Valid() bool {
	switch s {
	case CandidateUnreviewed, CandidateConfirmedPositive, CandidateRejectedNormal:
		return true
	}
	return false
}

// IsLabel reports whether s is a status a reviewer may assign.
func (s CandidateStatus) IsLabel() bool {
	return s == CandidateConfirmedPositive || s == CandidateRejectedNormal
}

// Candidate is a machine-proposed anomaly event awaiting expert review.
type Candidate struct {
	ID               string          `json:"id"`
	ExperimentRunID  string          `json:"experiment_run_id"`
	Status           CandidateStatus `json:"status"`
	DetectionRule    string          `json:"detection_rule"`
	AnomalyScore     float64         `json:"anomaly_score"`
	EventTimestamp   time.Time       `json:"event_timestamp"`
	DurationMinutes  int             `json:"duration_minutes"`
	BuildingID       string          `json:"building_id,omitempty"`
	FloorID          string          `json:"floor_id,omitempty"`
	SensorID         string          `json:"sensor_id,omitempty"`
	ElectricityDelta float64         `json:"electricity_delta"`
	TemperatureDelta float64         `json:"temperature_delta"`
	HumidityDelta    float64         `json:"humidity_delta"`
	ReviewerID       string          `json:"reviewer_id,omitempty"`
	Note             string          `json:"note,omitempty"`
	ReviewedAt       *time.Time      `json:"reviewed_at,omitempty"`
}

// SortKey is one of the fixed review-queue sort columns.
type SortKey string

const (
	SortEventTimestamp   SortKey = "event_timestamp"
	SortElectricityDelta SortKey = "electricity_delta"
	SortTemperatureDelta SortKey = "temperature_delta"
	SortHumidityDelta    SortKey = "humidity_delta"
	SortAnomalyScore     SortKey = "anomaly_score"
)

// SortKeys lists the supported sort keys in display order.
func SortKeys() []SortKey {
	return []SortKey{SortEventTimestamp, SortElectricityDelta, SortTemperatureDelta, SortHumidityDelta, SortAnomalyScore}
}

// Valid reports whether k is a supported sort key.
func (k SortKey) Valid() bool {
	for _, s := range SortKeys() {
		if s == k {
			return true
		}
	}
	return false
}

// SortOrder is ascending or descending.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Sort selects the queue ordering. Ties on Key are broken by candidate id
// ascending so the same input always yields the same order.
type Sort struct {
	Key   SortKey   `json:"key"`
	Order SortOrder `json:"order"`
}

// DefaultSort orders by event time, oldest first.
func DefaultSort() Sort {
	return Sort{Key: SortEventTimestamp, Order: SortAsc}
}

// Validate rejects unknown keys or orders.
func (s Sort) Validate() error {
	if !s.Key.Valid() {
		return apperr.FieldValidation("sort", "unknown sort key %q", s.Key)
	}
	if s.Order != SortAsc && s.Order != SortDesc {
		return apperr.FieldValidation("order", "must be asc or desc, got %q", s.Order)
	}
	return nil
}

// LabelRequest is a single or bulk label mutation.
type LabelRequest struct {
	Status     CandidateStatus `json:"status"`
	ReviewerID string          `json:"reviewer_id"`
	Note       string          `json:"note,omitempty"`
}

// Validate checks the label and reviewer.
func (r LabelRequest) Validate() error {
	if !r.Status.IsLabel() {
		return apperr.FieldValidation("status", "must be %s or %s, got %q", CandidateConfirmedPositive, CandidateRejectedNormal, r.Status)
	}
	if r.ReviewerID == "" {
		return apperr.FieldValidation("reviewer_id", "is required")
	}
	return nil
}

// BulkLabelResult reports the outcome of a bulk mutation. Affected is the
// number of candidates the backend confirmed it changed.
type BulkLabelResult struct {
	Requested int `json:"requested"`
	Affected  int `json:"affected"`
}

// Partial reports whether fewer candidates changed than were requested.
func (r BulkLabelResult) Partial() bool {
	return r.Affected < r.Requested
}

// sortValue extracts the numeric sort column of c.
func (c *Candidate) sortValue(k SortKey) float64 {
	switch k {
	case SortElectricityDelta:
		return c.ElectricityDelta
	case SortTemperatureDelta:
		return c.TemperatureDelta
	case SortHumidityDelta:
		return c.HumidityDelta
	case SortAnomalyScore:
		return c.AnomalyScore
	}
	return float64(c.EventTimestamp.UnixNano())
}

// SortCandidates orders items in place by s. Equal keys fall back to id
// ascending regardless of s.Order.
func SortCandidates(items []Candidate, s Sort) {
	slices.SortStableFunc(items, func(a, b Candidate) int {
		c := cmp.Compare(a.sortValue(s.Key), b.sortValue(s.Key))
		if s.Order == SortDesc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
