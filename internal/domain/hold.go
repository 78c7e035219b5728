package domain

import (
	"fmt"
	"strings"
)

// HoldRequest carries the parameters of one hold placement call.
type HoldRequest struct {
	PatronRecordNumber int64
	RecordType         string
	RecordNumber       int64
	PickupLocation     string
}

// OutcomeKind tags the result of a hold placement.
type OutcomeKind string

const (
	OutcomePlaced           OutcomeKind = "placed"
	OutcomeRejected         OutcomeKind = "rejected"
	OutcomeTransportFailure OutcomeKind = "transport_failure"
)

// HoldOutcome is the explicit result of dispatching one hold.
type HoldOutcome struct {
	Kind OutcomeKind
	// Rejection is set when Kind is OutcomeRejected.
	Rejection *APIError
	// Err is set when Kind is OutcomeTransportFailure.
	Err error
}

// Placed reports whether the hold went through.
func (o HoldOutcome) Placed() bool { return o.Kind == OutcomePlaced }

// APIError is the structured failure returned by the catalog API.
// Every field is optional because the API omits them freely.
type APIError struct {
	HTTPStatus   *int    `json:"httpStatus,omitempty"`
	Name         *string `json:"name,omitempty"`
	Code         *int    `json:"code,omitempty"`
	Description  *string `json:"description,omitempty"`
	SpecificCode *int    `json:"specificCode,omitempty"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	if e.Description != nil && *e.Description != "" {
		b.WriteString(*e.Description)
		fmt.Fprintf(&b, " (name: %s, ", strOrNone(e.Name))
	} else {
		b.WriteString(strOrNone(e.Name))
		b.WriteString(" (")
	}
	fmt.Fprintf(&b, "code: %s, specific code: %s, http status: %s)",
		intOrNone(e.Code), intOrNone(e.SpecificCode), intOrNone(e.HTTPStatus))
	return b.String()
}

func strOrNone(s *string) string {
	if s == nil {
		return "none"
	}
	return *s
}

func intOrNone(i *int) string {
	if i == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *i)
}
