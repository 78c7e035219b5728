package domain

import (
	"errors"
	"fmt"

	"golang.org/x/text/cases"
)

// GroupKey identifies the set of registrations competing for the same new items.
type GroupKey struct {
	AuthorID   int64
	FormatID   int64
	LanguageID int64
}

// Registration is a patron's standing interest in an author/format/language combination.
type Registration struct {
	ID                 int64
	PatronID           int64
	PatronRecordNumber int64
	PickupLocation     string
	AuthorID           int64
	AuthorName         string
	FormatID           int64
	FormatCode         string
	LanguageID         int64
	LanguageCode       string
	// PriorityOrder is unique within the group; the smallest value is next in line.
	PriorityOrder int
}

// Group returns the fairness group the registration belongs to.
func (r Registration) Group() GroupKey {
	return GroupKey{AuthorID: r.AuthorID, FormatID: r.FormatID, LanguageID: r.LanguageID}
}

func (r Registration) String() string {
	return fmt.Sprintf("patron .p%da for author %s, format %s, language %s, queue pos %d",
		r.PatronRecordNumber, r.AuthorName, r.FormatCode, r.LanguageCode, r.PriorityOrder)
}

// FoldAuthor returns the Unicode case-folded form authors are matched on.
func FoldAuthor(name string) string {
	return cases.Fold().String(name)
}

// ErrPriorityConflict reports that another writer claimed the same
// priority order within a group; the rotation may be retried.
var ErrPriorityConflict = errors.New("priority order conflict")
