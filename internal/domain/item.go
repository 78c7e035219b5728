package domain

import "time"

// Item is a catalog record reported by the item source.
type Item struct {
	// ID is the raw identifier as delivered by the source (a decimal string).
	ID        string
	CreatedAt time.Time
	// RawCreatedAt is the creation timestamp as the source sent it;
	// CreatedAtErr is set when it could not be parsed.
	RawCreatedAt string
	CreatedAtErr error
	Author       string
	FormatCode   string
	LanguageCode string
}

// Window is the creation-date range requested from the item source.
type Window struct {
	From time.Time
	To   time.Time
}

// Watermark marks the boundary between processed and unprocessed items.
type Watermark struct {
	LastItemNumber int64
	ResumeFrom     time.Time
	Source         WatermarkSource
}

// WatermarkSource records which fallback tier produced a watermark.
type WatermarkSource string

const (
	WatermarkFromItem  WatermarkSource = "item"
	WatermarkFromRun   WatermarkSource = "run"
	WatermarkFromClock WatermarkSource = "clock"
)
