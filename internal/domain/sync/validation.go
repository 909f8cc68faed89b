package sync

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// ValidationError marks malformed caller input. It is surfaced as a client
// error and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Filter holds validated caller-supplied date bounds for a sync request.
// A nil bound means unconstrained.
type Filter struct {
	StartDate *time.Time
	EndDate   *time.Time
}

// ParseFilter validates optional start_date/end_date query values before any
// aggregator call is made. start_date must fall within the last year and
// end_date must not be in the future, both relative to now.
func ParseFilter(startDate, endDate string, now time.Time) (*Filter, error) {
	filter := &Filter{}

	if startDate != "" {
		start, err := time.Parse(dateLayout, startDate)
		if err != nil {
			return nil, &ValidationError{Field: "start_date", Message: "must be formatted YYYY-MM-DD"}
		}
		if start.Before(now.AddDate(-1, 0, 0)) {
			return nil, &ValidationError{Field: "start_date", Message: "must be within the last year"}
		}
		filter.StartDate = &start
	}

	if endDate != "" {
		end, err := time.Parse(dateLayout, endDate)
		if err != nil {
			return nil, &ValidationError{Field: "end_date", Message: "must be formatted YYYY-MM-DD"}
		}
		if end.After(now) {
			return nil, &ValidationError{Field: "end_date", Message: "must not be in the future"}
		}
		filter.EndDate = &end
	}

	if filter.StartDate != nil && filter.EndDate != nil && filter.EndDate.Before(*filter.StartDate) {
		return nil, &ValidationError{Field: "end_date", Message: "must not precede start_date"}
	}
	return filter, nil
}
