package sierra

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"AutoHolds/internal/domain"
)

// StatusError is a non-success HTTP response that did not carry a Sierra
// error document.
type StatusError struct {
	Code   int
	Status string
	// Summary is a short plain-text rendering of the response body.
	Summary string
}

func (e *StatusError) Error() string {
	if e.Summary == "" {
		return "sierra returned " + e.Status
	}
	return fmt.Sprintf("sierra returned %s: %s", e.Status, e.Summary)
}

func newStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Status: resp.Status, Summary: describeBody(resp.Header.Get("Content-Type"), body)}
}

// decodeError turns a failed response into a *domain.APIError when the body
// is a Sierra error document, and into a *StatusError otherwise.
func decodeError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("read error body (%s): %w", resp.Status, err)
	}

	var apiErr domain.APIError
	if json.Unmarshal(body, &apiErr) == nil && isAPIError(apiErr) {
		if apiErr.HTTPStatus == nil {
			status := resp.StatusCode
			apiErr.HTTPStatus = &status
		}
		return &apiErr
	}
	return &StatusError{Code: resp.StatusCode, Status: resp.Status, Summary: describeBody(resp.Header.Get("Content-Type"), body)}
}

func isAPIError(e domain.APIError) bool {
	return e.Name != nil || e.Code != nil || e.Description != nil || e.SpecificCode != nil
}

// describeBody reduces an error body to one line. Proxies in front of Sierra
// answer with HTML pages; those are reduced to their title or visible text.
func describeBody(contentType string, body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	text := string(body)
	if strings.Contains(contentType, "html") || bytes.HasPrefix(body, []byte("<")) {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
			text = strings.TrimSpace(doc.Find("title").First().Text())
			if text == "" {
				text = strings.TrimSpace(doc.Find("body").Text())
			}
		}
	}

	text = strings.Join(strings.Fields(text), " ")
	const limit = 200
	if runes := []rune(text); len(runes) > limit {
		text = string(runes[:limit]) + "..."
	}
	return text
}
