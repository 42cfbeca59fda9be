package params

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
)

// DateLayout is the accepted text form of start_date and end_date.
const DateLayout = "2006-01-02"

type fieldKind int

const (
	kindFloat fieldKind = iota
	kindInt
	kindDate
	kindTimeOfDay
	kindDatasets
)

// field describes one editable parameter. The table order is the diff order.
type field struct {
	name  string
	label string
	kind  fieldKind
	get   func(p *model.FilterParameters) any
	set   func(p *model.FilterParameters, v any)
}

var fields = []field{
	{"outlier_z_score", "Outlier z-score", kindFloat,
		func(p *model.FilterParameters) any { return p.OutlierZScore },
		func(p *model.FilterParameters, v any) { p.OutlierZScore = v.(float64) }},
	{"spike_percent", "Spike threshold (%)", kindFloat,
		func(p *model.FilterParameters) any { return p.SpikePercent },
		func(p *model.FilterParameters, v any) { p.SpikePercent = v.(float64) }},
	{"min_event_duration_minutes", "Min event duration (min)", kindInt,
		func(p *model.FilterParameters) any { return p.MinEventDurationMinutes },
		func(p *model.FilterParameters, v any) { p.MinEventDurationMinutes = v.(int) }},
	{"max_time_gap_minutes", "Max time gap (min)", kindInt,
		func(p *model.FilterParameters) any { return p.MaxTimeGapMinutes },
		func(p *model.FilterParameters, v any) { p.MaxTimeGapMinutes = v.(int) }},
	{"peer_deviation_percent", "Peer deviation (%)", kindFloat,
		func(p *model.FilterParameters) any { return p.PeerDeviationPercent },
		func(p *model.FilterParameters, v any) { p.PeerDeviationPercent = v.(float64) }},
	{"peer_min_count", "Peer minimum count", kindInt,
		func(p *model.FilterParameters) any { return p.PeerMinCount },
		func(p *model.FilterParameters, v any) { p.PeerMinCount = v.(int) }},
	{"start_date", "Start date", kindDate,
		func(p *model.FilterParameters) any { return p.StartDate },
		func(p *model.FilterParameters, v any) { p.StartDate = v.(time.Time) }},
	{"end_date", "End date", kindDate,
		func(p *model.FilterParameters) any { return p.EndDate },
		func(p *model.FilterParameters, v any) { p.EndDate = v.(time.Time) }},
	{"daily_start_time", "Daily start time", kindTimeOfDay,
		func(p *model.FilterParameters) any { return p.DailyStartTime },
		func(p *model.FilterParameters, v any) { p.DailyStartTime = v.(string) }},
	{"daily_end_time", "Daily end time", kindTimeOfDay,
		func(p *model.FilterParameters) any { return p.DailyEndTime },
		func(p *model.FilterParameters, v any) { p.DailyEndTime = v.(string) }},
	{"datasets", "Datasets", kindDatasets,
		func(p *model.FilterParameters) any { return slices.Clone(p.Datasets) },
		func(p *model.FilterParameters, v any) { p.Datasets = slices.Clone(v.([]string)) }},
}

func lookup(name string) (field, bool) {
	for _, f := range fields {
		if f.name == name {
			return f, true
		}
	}
	return field{}, false
}

func unknownField(name string) error {
	return apperr.FieldValidation(name, "unknown parameter")
}

// Fields returns the editable parameter names in display order.
func Fields() []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	return names
}

// Label returns the human label for a field name.
func Label(name string) string {
	if f, ok := lookup(name); ok {
		return f.label
	}
	return name
}

// Value reads field name from p.
func Value(p model.FilterParameters, name string) (any, error) {
	f, ok := lookup(name)
	if !ok {
		return nil, unknownField(name)
	}
	return f.get(&p), nil
}

// coerce converts v to the field's Go type or rejects it.
func (f field) coerce(v any) (any, error) {
	switch f.kind {
	case kindFloat:
		switch n := v.(type) {
		case float64:
			return f.finite(n)
		case float32:
			return f.finite(float64(n))
		case int:
			return float64(n), nil
		}
	case kindInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if !math.IsInf(n, 0) && n == math.Trunc(n) {
				return int(n), nil
			}
		}
	case kindDate:
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
	case kindTimeOfDay:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case kindDatasets:
		if ds, ok := v.([]string); ok {
			return ds, nil
		}
	}
	return nil, apperr.FieldValidation(f.name, "unsupported value %v (%T)", v, v)
}

// finite rejects NaN and infinities, which never compare equal to a
// baseline and cannot be encoded as JSON.
func (f field) finite(v float64) (any, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, apperr.FieldValidation(f.name, "must be a finite number")
	}
	return v, nil
}

func (f field) equal(a, b any) bool {
	switch f.kind {
	case kindDate:
		return a.(time.Time).Equal(b.(time.Time))
	case kindDatasets:
		return sameSet(a.([]string), b.([]string))
	case kindFloat:
		x, y := a.(float64), b.(float64)
		return x == y || (math.IsNaN(x) && math.IsNaN(y))
	}
	return a == b
}

// sameSet compares dataset selections ignoring order and duplicates.
func sameSet(a, b []string) bool {
	as, bs := slices.Clone(a), slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(slices.Compact(as), slices.Compact(bs))
}

// ParseValue converts command-line text to the typed value of field name.
// Datasets are comma-separated; dates use DateLayout or RFC 3339.
func ParseValue(name, raw string) (any, error) {
	f, ok := lookup(name)
	if !ok {
		return nil, unknownField(name)
	}
	raw = strings.TrimSpace(raw)
	switch f.kind {
	case kindFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, apperr.FieldValidation(name, "not a number: %q", raw)
		}
		return f.finite(v)
	case kindInt:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, apperr.FieldValidation(name, "not an integer: %q", raw)
		}
		return v, nil
	case kindDate:
		if raw == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(DateLayout, raw); err == nil {
			return t, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, apperr.FieldValidation(name, "expected YYYY-MM-DD, got %q", raw)
		}
		return t, nil
	case kindTimeOfDay:
		if raw != "" {
			if _, err := time.Parse("15:04", raw); err != nil {
				return nil, apperr.FieldValidation(name, "expected HH:MM, got %q", raw)
			}
		}
		return raw, nil
	default:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
}

// FormatValue renders a parameter value for display.
func FormatValue(v any) string {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return "-"
		}
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 {
			return x.Format(DateLayout)
		}
		return x.Format(time.RFC3339)
	case []string:
		if len(x) == 0 {
			return "-"
		}
		return strings.Join(x, ", ")
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		if x == "" {
			return "-"
		}
		return x
	}
	return fmt.Sprint(v)
}
