package model

import (
	"time"

	"github.com/google/uuid"
)

// CycleState is the lifecycle state of an update cycle.
type CycleState string

const (
	CycleRunning     CycleState = "running"
	CycleCompleted   CycleState = "completed"
	CycleHalted      CycleState = "halted"
	CycleInterrupted CycleState = "interrupted"
)

// HaltReason explains why a cycle stopped before completing.
type HaltReason string

const (
	HaltNone      HaltReason = ""
	HaltQuota     HaltReason = "quota"
	HaltInterrupt HaltReason = "interrupt"
	HaltBudget    HaltReason = "request-budget"
)

type Series struct {
	SurveyCode string
	SeriesID   string
	Title      string
	IsActive   bool
}

type UpdateCycle struct {
	ID                  uuid.UUID
	SurveyCode          string
	State               CycleState
	Force               bool
	TotalSeries         int
	SeriesUpdated       int
	ObservationsWritten int
	RequestsUsed        int
	HaltReason          HaltReason
	LastError           string
	CreatedAt           time.Time
	CompletedAt         *time.Time
}

// Resumable reports whether a later run may continue this cycle.
func (c *UpdateCycle) Resumable() bool {
	return c.State == CycleRunning || c.State == CycleHalted || c.State == CycleInterrupted
}

type SeriesStatus struct {
	CycleID     uuid.UUID
	SeriesID    string
	IsUpdated   bool
	LastAttempt time.Time
}

// Observation is one (series, period) value. Value is nil for missing or
// suppressed data, which upstream agencies publish as a valid state.
type Observation struct {
	SurveyCode string
	SeriesID   string
	Year       int
	Period     string
	Value      *float64
	Footnotes  string
	IngestedAt time.Time
}

type QuotaLedger struct {
	Date  string
	Used  int
	Limit int
}

// Remaining never reports below zero.
func (q QuotaLedger) Remaining() int {
	remaining := q.Limit - q.Used
	if remaining < 0 {
		return 0
	}
	return remaining
}

type FailedBatch struct {
	Index  int
	Reason string
	Detail string
}

// RunSummary is produced by every engine run, including early halts.
type RunSummary struct {
	SurveyCode          string
	CycleID             uuid.UUID
	State               CycleState
	HaltReason          HaltReason
	SeriesTotal         int
	SeriesUpdated       int
	ObservationsWritten int
	RequestsUsed        int
	FailedBatches       []FailedBatch
}
