package sierra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"AutoHolds/internal/domain"
	"AutoHolds/internal/ports"
)

// dateLayout is the timestamp format Sierra accepts in range queries.
const dateLayout = "2006-01-02T15:04:05Z"

// codeRecordNotFound is Sierra's error code for a query that matched nothing.
const codeRecordNotFound = 107

// Session is an authenticated connection scoped to one run.
type Session struct {
	client *Client
	token  string
}

var _ ports.CatalogSession = (*Session)(nil)

type bibPage struct {
	Total   int   `json:"total"`
	Start   int   `json:"start"`
	Entries []bib `json:"entries"`
}

type bib struct {
	ID           string     `json:"id"`
	CreatedDate  string     `json:"createdDate"`
	Author       *string    `json:"author"`
	MaterialType *codeField `json:"materialType"`
	Lang         *codeField `json:"lang"`
}

type codeField struct {
	Code string `json:"code"`
}

func (b bib) item() domain.Item {
	item := domain.Item{ID: b.ID, RawCreatedAt: b.CreatedDate}
	if b.CreatedDate != "" {
		t, err := time.Parse(time.RFC3339, b.CreatedDate)
		if err != nil {
			item.CreatedAtErr = fmt.Errorf("parse createdDate: %w", err)
		} else {
			item.CreatedAt = t.UTC()
		}
	}
	if b.Author != nil {
		item.Author = *b.Author
	}
	if b.MaterialType != nil {
		item.FormatCode = b.MaterialType.Code
	}
	if b.Lang != nil {
		item.LanguageCode = b.Lang.Code
	}
	return item
}

// NewItems lists the non-deleted, unsuppressed bibs created within window,
// in the order Sierra returns them. An item whose createdDate cannot be
// parsed is returned with a zero CreatedAt and the parse error.
func (s *Session) NewItems(ctx context.Context, window domain.Window) ([]domain.Item, error) {
	ctx, span := s.client.tracer.Start(ctx, "sierra.bibs", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	items := make([]domain.Item, 0)
	pageSize := s.client.cfg.PageSize
	for offset := 0; ; offset += pageSize {
		page, err := s.bibsPage(ctx, window, offset, pageSize)
		if err != nil {
			spanError(span, err)
			return nil, err
		}
		for _, b := range page {
			items = append(items, b.item())
		}
		if len(page) < pageSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("items", len(items)))
	return items, nil
}

func (s *Session) bibsPage(ctx context.Context, window domain.Window, offset, limit int) ([]bib, error) {
	q := url.Values{}
	q.Set("createdDate", createdDateRange(window))
	q.Set("fields", s.client.cfg.Fields)
	q.Set("deleted", "false")
	q.Set("suppressed", "false")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	req, err := http.NewRequest(http.MethodGet, s.client.cfg.BaseURL+"/v3/bibs?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.do(ctx, s.token, req)
	if err != nil {
		return nil, fmt.Errorf("request bibs: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		err := decodeError(resp)
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) && apiErr.Code != nil && *apiErr.Code == codeRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list bibs at offset %d: %w", offset, err)
	}

	var page bibPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode bibs: %w", err)
	}
	return page.Entries, nil
}

func createdDateRange(window domain.Window) string {
	return fmt.Sprintf("[%s,%s]", window.From.UTC().Format(dateLayout), window.To.UTC().Format(dateLayout))
}

type holdRequestBody struct {
	RecordType     string `json:"recordType"`
	RecordNumber   int64  `json:"recordNumber"`
	PickupLocation string `json:"pickupLocation"`
}

// PlaceHold requests a hold for a patron. A Sierra error document is
// returned as *domain.APIError; every other failure is a transport error.
func (s *Session) PlaceHold(ctx context.Context, hold domain.HoldRequest) error {
	ctx, span := s.client.tracer.Start(ctx, "sierra.place_hold", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int64("patron_record_number", hold.PatronRecordNumber),
			attribute.Int64("record_number", hold.RecordNumber),
		))
	defer span.End()

	payload, err := json.Marshal(holdRequestBody{
		RecordType:     hold.RecordType,
		RecordNumber:   hold.RecordNumber,
		PickupLocation: hold.PickupLocation,
	})
	if err != nil {
		return fmt.Errorf("marshal hold request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v3/patrons/%d/holds/requests", s.client.cfg.BaseURL, hold.PatronRecordNumber)
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.do(ctx, s.token, req)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("request hold: %w", err)
	}
	defer drain(resp.Body)
	span.SetAttributes(statusAttr.Int(resp.StatusCode))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	}
	err = decodeError(resp)
	spanError(span, err)
	return err
}
