package sierra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"AutoHolds/internal/ports"
)

const (
	defaultFields   = "id,createdDate,author,materialType,lang"
	defaultPageSize = 50
	maxErrorBody    = 64 << 10
	userAgent       = "AutoHolds/1.0"
)

// Config describes how to reach the Sierra REST API.
type Config struct {
	BaseURL      string
	ClientKey    string
	ClientSecret string
	// Fields is the comma separated list of bib fields to request.
	Fields   string
	PageSize int
	// LoginMaxElapsed bounds the total time spent retrying a login.
	LoginMaxElapsed time.Duration
}

// Client obtains sessions from Sierra. It holds no token itself; every
// Login returns a new Session.
type Client struct {
	cfg    Config
	http   *http.Client
	tracer trace.Tracer
}

var _ ports.CatalogConnector = (*Client)(nil)

// NewClient wires an HTTP client; a nil client gets a 30 second timeout.
func NewClient(cfg Config, httpClient *http.Client, tracer trace.Tracer) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("sierra")
	}
	if cfg.Fields == "" {
		cfg.Fields = defaultFields
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: httpClient, tracer: tracer}
}

// Connect satisfies ports.CatalogConnector.
func (c *Client) Connect(ctx context.Context) (ports.CatalogSession, error) {
	return c.Login(ctx)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Login exchanges the client credentials for an access token. Network
// errors and 5xx responses are retried; any 4xx is final.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	ctx, span := c.tracer.Start(ctx, "sierra.login", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var token tokenResponse
	operation := func() error {
		t, err := c.requestToken(ctx)
		if err != nil {
			var status *StatusError
			if errors.As(err, &status) && status.Code < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		token = t
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	if c.cfg.LoginMaxElapsed > 0 {
		b.MaxElapsedTime = c.cfg.LoginMaxElapsed
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("sierra login: %w", err)
	}

	return &Session{client: c, token: token.AccessToken}, nil
}

func (c *Client) requestToken(ctx context.Context) (tokenResponse, error) {
	var token tokenResponse

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v3/token", strings.NewReader(form.Encode()))
	if err != nil {
		return token, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientKey, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return token, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return token, newStatusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return token, fmt.Errorf("decode token: %w", err)
	}
	if token.AccessToken == "" {
		return token, errors.New("token response without access_token")
	}
	return token, nil
}

func (c *Client) do(ctx context.Context, token string, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	return c.http.Do(req)
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}

var statusAttr = attribute.Key("http.response.status_code")
