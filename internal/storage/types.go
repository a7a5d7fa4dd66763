package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Outcome is the result recorded for one span.
type Outcome string

const (
	OutcomePublished Outcome = "PUBLISHED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeSkipped   Outcome = "SKIPPED" // dry run
)

// ParseOutcome normalizes s to a known Outcome.
func ParseOutcome(s string) (Outcome, error) {
	normalized := Outcome(strings.ToUpper(s))

	switch normalized {
	case OutcomePublished, OutcomeFailed, OutcomeSkipped:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid outcome: %s (must be PUBLISHED, FAILED, or SKIPPED)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize outcome to uppercase.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseOutcome(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// SyncRecord is one journal entry.
type SyncRecord struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Date      string    `json:"date"` // YYYY-MM-DD of the span
	Minutes   int       `json:"minutes"`
	Finalized bool      `json:"finalized"`
	Outcome   Outcome   `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
