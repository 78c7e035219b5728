package domain

import (
	"time"

	"github.com/google/uuid"
)

// Level classifies an audit note.
type Level string

const (
	LevelInfo    Level = "info"
	LevelNotice  Level = "notice"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelNotice, LevelSuccess, LevelWarning, LevelError:
		return true
	}
	return false
}

// LogEntry is one line of a record's append-only log.
type LogEntry struct {
	ID      int64
	At      time.Time
	Level   Level
	Message string
	// Detail holds the causing error and, when available, a stack trace.
	Detail string
}

// RecordKind names the three audit record types.
type RecordKind string

const (
	RecordRun  RecordKind = "run"
	RecordItem RecordKind = "item"
	RecordHold RecordKind = "hold"
)

// RecordRef points at a single audit record.
type RecordRef struct {
	Kind RecordKind
	ID   int64
}

// RunRecord is created once per invocation of the engine.
type RunRecord struct {
	ID               int64
	UUID             uuid.UUID
	StartedAt        time.Time
	EndedAt          *time.Time
	Successful       bool
	NumItemsFound    int
	FirstItemNumber  *int64
	FirstItemCreated *time.Time
	LastItemNumber   *int64
	LastItemCreated  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Entries          []LogEntry
	Items            []ItemRecord
}

// Ref returns the audit reference of the run.
func (r RunRecord) Ref() RecordRef { return RecordRef{Kind: RecordRun, ID: r.ID} }

// Finished reports whether the run has been finalized.
func (r RunRecord) Finished() bool { return r.EndedAt != nil }

// ItemRecord is created once per catalog item observed during a run.
type ItemRecord struct {
	ID                    int64
	RunID                 int64
	ItemNumber            int64
	ItemCreatedAt         time.Time
	Author                string
	Format                string
	Language              string
	NumRegistrationsFound int
	CreatedAt             time.Time
	UpdatedAt             time.Time
	Entries               []LogEntry
	Holds                 []HoldAttemptRecord
}

// Ref returns the audit reference of the item record.
func (r ItemRecord) Ref() RecordRef { return RecordRef{Kind: RecordItem, ID: r.ID} }

// HoldAttemptRecord is created once per (item, registration) pairing attempted.
type HoldAttemptRecord struct {
	ID                 int64
	ItemID             int64
	RegistrationID     int64
	PatronRecordNumber int64
	PickupLocation     string
	Successful         bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Entries            []LogEntry
}

// Ref returns the audit reference of the hold attempt.
func (r HoldAttemptRecord) Ref() RecordRef { return RecordRef{Kind: RecordHold, ID: r.ID} }
