package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Industry is the vertical a tenant operates in and a template targets.
type Industry string

const (
	IndustryMedical     Industry = "medical"
	IndustryDental      Industry = "dental"
	IndustryRealEstate  Industry = "real_estate"
	IndustryHospitality Industry = "hospitality"
	IndustryGeneral     Industry = "general"
)

// Industries lists every supported vertical.
var Industries = []Industry{
	IndustryMedical, IndustryDental, IndustryRealEstate, IndustryHospitality, IndustryGeneral,
}

// Valid reports whether i is a known industry.
func (i Industry) Valid() bool {
	for _, known := range Industries {
		if i == known {
			return true
		}
	}
	return false
}

// Template is an ordered, reusable recipe bound to a trigger and an industry.
// Templates are versioned by copy; a stored version is never mutated.
type Template struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Version         int        `json:"version"`
	Description     string     `json:"description,omitempty"`
	TenantID        string     `json:"tenant_id,omitempty"` // empty for catalog templates shared by the industry
	Industry        Industry   `json:"industry"`
	TriggerType     string     `json:"trigger_type"`
	Tasks           []TaskSpec `json:"tasks"`
	AllowConcurrent bool       `json:"allow_concurrent,omitempty"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TaskSpec describes a single step of a template.
type TaskSpec struct {
	Name         string     `json:"name,omitempty"`
	ActionType   string     `json:"action_type"`
	ActionConfig Values     `json:"action_config,omitempty"`
	Delay        Delay      `json:"delay,omitempty"`
	IsHITL       bool       `json:"is_hitl,omitempty"`
	Condition    *Condition `json:"condition,omitempty"`
	Transform    string     `json:"transform,omitempty"` // jq expression applied to the handler result
}

// Label returns the task name, falling back to the action type.
func (t TaskSpec) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ActionType
}

// Condition decides whether a task executes or is skipped. Either Expr or
// Clauses is set.
type Condition struct {
	Expr    string   `json:"expr,omitempty"`
	Engine  string   `json:"engine,omitempty"` // cel (default) | expr
	Clauses []Clause `json:"clauses,omitempty"`
}

// Clause operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
	OpExists      = "exists"
)

// Clause is a single field comparison. Logic joins it to the previous clause.
type Clause struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
	Logic    string `json:"logic,omitempty"` // AND (default) | OR
}

// Delay is the wait before a task executes, measured from when it becomes current.
// It decodes from a Go duration string ("24h"), a number of seconds, or
// {"amount": 2, "unit": "DAYS"}.
type Delay struct {
	time.Duration
}

// NewDelay wraps d.
func NewDelay(d time.Duration) Delay { return Delay{Duration: d} }

// Delay units.
const (
	UnitMinutes = "MINUTES"
	UnitHours   = "HOURS"
	UnitDays    = "DAYS"
)

// UnitDuration converts an amount in the given unit to a duration.
func UnitDuration(amount float64, unit string) (time.Duration, error) {
	var base time.Duration
	switch strings.ToUpper(unit) {
	case UnitMinutes:
		base = time.Minute
	case UnitHours:
		base = time.Hour
	case UnitDays:
		base = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown delay unit %q", unit)
	}
	if amount < 0 {
		return 0, fmt.Errorf("negative delay amount %v", amount)
	}
	return time.Duration(amount * float64(base)), nil
}

func (d Delay) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Delay) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		d.Duration = 0
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid delay %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	case '{':
		var v struct {
			Amount float64 `json:"amount"`
			Unit   string  `json:"unit"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		parsed, err := UnitDuration(v.Amount, v.Unit)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		var secs float64
		if err := json.Unmarshal(data, &secs); err != nil {
			return fmt.Errorf("invalid delay: %w", err)
		}
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
}
