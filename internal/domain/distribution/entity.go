package distribution

import (
	"time"
)

// MinIntervalSeconds is the smallest interval an admin may configure.
const MinIntervalSeconds = 60

// Config is the global distribution policy. A single row backs it.
type Config struct {
	IntervalSeconds int64      `db:"interval_seconds" json:"intervalSeconds"`
	Amount          int64      `db:"amount" json:"amount"`
	LastRunAt       *time.Time `db:"last_run_at" json:"lastRunAt,omitempty"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
}

// Interval returns IntervalSeconds as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// TickSummary counts what one distribution tick did.
type TickSummary struct {
	Skipped  bool  `json:"skipped"`
	Scanned  int   `json:"scanned"`
	Granted  int   `json:"granted"`
	Errors   int   `json:"errors"`
	Interval int64 `json:"intervalSeconds"`
}
