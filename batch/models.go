package batch

import (
	"time"

	"scriptcustody/lifecycle"
)

// Batch is one session's worth of exam scripts. Rows are never deleted,
// only advanced through lifecycle statuses.
type Batch struct {
	ID              string
	CourseRef       string
	SessionLabel    string
	Status          lifecycle.Status
	CreatedBy       string
	CreatedAt       time.Time
	StatusUpdatedAt time.Time
}

// Filters narrows List results.
type Filters struct {
	Status    lifecycle.Status
	CourseRef string
	Limit     int
}
