// Package task implements the owner-scoped todo domain: the Task entity,
// its validation rules, and the SQLite-backed store.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Title and description length limits, in characters.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 1000
)

// Priority levels a task may carry.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Recurrence patterns a task may carry.
const (
	RecurrenceDaily   = "daily"
	RecurrenceWeekly  = "weekly"
	RecurrenceMonthly = "monthly"
	RecurrenceCustom  = "custom"
)

// Status filters for List.
const (
	StatusAll       = "all"
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Sort fields and directions for List.
const (
	SortByCreated  = "created"
	SortByDueDate  = "due_date"
	SortByPriority = "priority"
	SortByTitle    = "title"

	SortAsc  = "asc"
	SortDesc = "desc"
)

// ErrNotFound is returned when a task does not exist for the given owner.
// Ownership mismatch is deliberately indistinguishable from absence so
// callers cannot probe for other users' task ids.
var ErrNotFound = errors.New("task not found")

// ValidationError reports malformed caller input. It is always raised
// before any store mutation.
type ValidationError struct {
	Msg string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Msg
}

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Task is a single todo item. OwnerID is set only from the authenticated
// identity, never from a caller-supplied payload.
type Task struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"owner_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Completed          bool       `json:"completed"`
	Priority           string     `json:"priority,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty"`
	Recurrence         string     `json:"recurrence,omitempty"`
	RecurrenceInterval int        `json:"recurrence_interval,omitempty"`
	ParentTaskID       string     `json:"parent_task_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Draft carries the caller-supplied fields for task creation. Completed
// is absent on purpose: new tasks are always pending.
type Draft struct {
	Title              string
	Description        string
	Priority           string
	Tags               []string
	DueDate            *time.Time
	Recurrence         string
	RecurrenceInterval int
}

// Patch carries the fields of an update. Nil pointers mean "leave
// unchanged". At least one field must be set. ClearDueDate removes an
// existing due date, which a nil DueDate alone cannot express.
type Patch struct {
	Title              *string
	Description        *string
	Completed          *bool
	Priority           *string
	Tags               *[]string
	DueDate            *time.Time
	ClearDueDate       bool
	Recurrence         *string
	RecurrenceInterval *int
}

// Empty reports whether the patch sets no fields at all.
func (p *Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Completed == nil &&
		p.Priority == nil && p.Tags == nil && p.DueDate == nil && !p.ClearDueDate &&
		p.Recurrence == nil && p.RecurrenceInterval == nil
}

// Filter narrows and orders a List. Zero values mean "no constraint".
// Tags use AND logic: a task must carry every listed tag to match.
// Search matches title or description case-insensitively.
type Filter struct {
	Status    string
	Priority  string
	Tags      []string
	Search    string
	DueStart  *time.Time
	DueEnd    *time.Time
	SortBy    string
	SortOrder string
}

// ValidateTitle trims the title and checks its length bounds.
func ValidateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", validationf("title must not be empty")
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		return "", validationf("title exceeds %d characters", MaxTitleLen)
	}
	return title, nil
}

// ValidateDescription trims the description and checks its length bound.
// An empty result is stored as NULL.
func ValidateDescription(desc string) (string, error) {
	desc = strings.TrimSpace(desc)
	if utf8.RuneCountInString(desc) > MaxDescriptionLen {
		return "", validationf("description exceeds %d characters", MaxDescriptionLen)
	}
	return desc, nil
}

// ValidatePriority checks a priority value. Empty means "none".
func ValidatePriority(p string) error {
	switch p {
	case "", PriorityHigh, PriorityMedium, PriorityLow:
		return nil
	default:
		return validationf("invalid priority %q (valid: high, medium, low)", p)
	}
}

// ValidateRecurrence checks a recurrence pattern against its interval.
// A custom pattern requires a positive interval in days.
func ValidateRecurrence(recurrence string, interval int) error {
	switch recurrence {
	case "":
		return nil
	case RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return nil
	case RecurrenceCustom:
		if interval <= 0 {
			return validationf("custom recurrence requires a positive recurrence_interval in days")
		}
		return nil
	default:
		return validationf("invalid recurrence %q (valid: daily, weekly, monthly, custom)", recurrence)
	}
}

// ValidateStatus checks a List status filter.
func ValidateStatus(status string) error {
	switch status {
	case StatusAll, StatusPending, StatusCompleted:
		return nil
	default:
		return validationf("invalid status %q (valid: all, pending, completed)", status)
	}
}

// ValidateSort checks List sort parameters. Empty values select the
// defaults (newest created first).
func ValidateSort(sortBy, sortOrder string) error {
	switch sortBy {
	case "", SortByCreated, SortByDueDate, SortByPriority, SortByTitle:
	default:
		return validationf("invalid sort_by %q (valid: created, due_date, priority, title)", sortBy)
	}
	switch sortOrder {
	case "", SortAsc, SortDesc:
	default:
		return validationf("invalid sort_order %q (valid: asc, desc)", sortOrder)
	}
	return nil
}

// NextDueDate advances a due date by the task's recurrence rule:
// +1 day, +1 week, +30 days, or +interval days for custom. Returns nil
// when the task has no due date.
func (t *Task) NextDueDate() *time.Time {
	if t.DueDate == nil {
		return nil
	}
	var next time.Time
	switch t.Recurrence {
	case RecurrenceDaily:
		next = t.DueDate.AddDate(0, 0, 1)
	case RecurrenceWeekly:
		next = t.DueDate.AddDate(0, 0, 7)
	case RecurrenceMonthly:
		// Approximate monthly recurrence (30 days).
		next = t.DueDate.AddDate(0, 0, 30)
	case RecurrenceCustom:
		next = t.DueDate.AddDate(0, 0, t.RecurrenceInterval)
	default:
		return nil
	}
	return &next
}
