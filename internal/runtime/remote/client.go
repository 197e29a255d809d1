// Package remote fetches pages of records for a resource key from the backend.
// It performs exactly one HTTP request per Fetch: retries, caching and page
// iteration belong to the caller.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/fieldsync/internal/runtime/fault"
	"github.com/l0p7/fieldsync/internal/runtime/records"
	"github.com/l0p7/fieldsync/internal/templates"
)

const (
	DefaultURLTemplate  = `{{ .BaseURL | trimSuffix "/" }}/records/{{ .Key | urlquery }}`
	DefaultSinceParam   = "since"
	DefaultAPIKeyHeader = "apikey"
	defaultTimeout      = 30 * time.Second
	maxPageBytes        = 8 << 20
)

// PageRequest identifies one page of a key's collection. Cursor is the
// absolute URL of a follow-up page; empty requests the first page.
type PageRequest struct {
	Key          string
	SinceVersion string
	Cursor       string
}

// Page is one decoded backend page.
type Page struct {
	Records    []records.Record
	NewVersion string
	Next       string
	MaxAge     time.Duration
}

// CredentialProvider supplies the bearer token for each request.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// FieldMap names the JSON members carrying record identity. Members not
// listed become the payload unless the record carries an explicit payload
// object.
type FieldMap struct {
	ID        string
	Key       string
	Timestamp string
	Version   string
}

func (f FieldMap) withDefaults() FieldMap {
	if f.ID == "" {
		f.ID = "id"
	}
	if f.Key == "" {
		f.Key = "key"
	}
	if f.Timestamp == "" {
		f.Timestamp = "timestamp"
	}
	if f.Version == "" {
		f.Version = "version"
	}
	return f
}

// Options configures a Client.
type Options struct {
	BaseURL      string
	URLTemplate  string
	SinceParam   string
	APIKeyHeader string
	APIKey       string
	Fields       FieldMap
	Credentials  CredentialProvider
	HTTPClient   httpDoer
	Timeout      time.Duration
	Env          map[string]string
	Logger       *slog.Logger
}

// Client talks to the paged records backend.
type Client struct {
	baseURL      string
	urlTemplate  *templates.Template
	sinceParam   string
	apiKeyHeader string
	apiKey       string
	fields       FieldMap
	credentials  CredentialProvider
	http         httpDoer
	logger       *slog.Logger
}

// New compiles the URL template and prepares the HTTP client.
func New(opts Options) (*Client, error) {
	source := strings.TrimSpace(opts.URLTemplate)
	if source == "" {
		source = DefaultURLTemplate
	}
	tmpl, err := templates.NewRenderer(opts.Env).CompileInline("remote-url", source)
	if err != nil {
		return nil, fmt.Errorf("remote: url template: %w", err)
	}
	if strings.Contains(source, ".BaseURL") && strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("remote: base url required")
	}
	doer := opts.HTTPClient
	if doer == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		doer = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sinceParam := strings.TrimSpace(opts.SinceParam)
	if sinceParam == "" {
		sinceParam = DefaultSinceParam
	}
	apiKeyHeader := strings.TrimSpace(opts.APIKeyHeader)
	if apiKeyHeader == "" {
		apiKeyHeader = DefaultAPIKeyHeader
	}
	return &Client{
		baseURL:      strings.TrimSpace(opts.BaseURL),
		urlTemplate:  tmpl,
		sinceParam:   sinceParam,
		apiKeyHeader: apiKeyHeader,
		apiKey:       opts.APIKey,
		fields:       opts.Fields.withDefaults(),
		credentials:  opts.Credentials,
		http:         doer,
		logger:       logger.With(slog.String("agent", "remote")),
	}, nil
}

// Fetch retrieves one page. Errors are always *fault.Error.
func (c *Client) Fetch(ctx context.Context, req PageRequest) (Page, error) {
	if strings.TrimSpace(req.Key) == "" {
		return Page{}, fault.New(fault.Client, req.Key, "resource key required")
	}
	target, err := c.pageURL(req)
	if err != nil {
		return Page{}, fault.Wrap(fault.Client, req.Key, "build page url", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Page{}, fault.Wrap(fault.Client, req.Key, "build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(c.apiKeyHeader, c.apiKey)
	}
	if c.credentials != nil {
		token, err := c.credentials.Token(ctx)
		if err != nil {
			return Page{}, fault.Wrap(fault.Unauthorized, req.Key, "credential unavailable", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return Page{}, fault.Classify(req.Key, err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return Page{}, fault.Classify(req.Key, fmt.Errorf("read body: %w", err))
	}
	if closeErr != nil {
		c.logger.Debug("response close failed", slog.String("key", req.Key), slog.Any("error", closeErr))
	}
	if ferr := fault.FromStatus(req.Key, resp.StatusCode); ferr != nil {
		return Page{}, ferr
	}

	recs, version, err := c.decode(req.Key, body)
	if err != nil {
		// A well-formed response with bad content is not worth retrying.
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Status == 0 {
			fe.Status = resp.StatusCode
		}
		return Page{}, err
	}
	if version == "" {
		version = etagVersion(resp.Header.Get("ETag"))
	}
	page := Page{
		Records:    recs,
		NewVersion: version,
		Next:       NextLink(resp.Header.Values("Link"), httpReq.URL),
		MaxAge:     MaxAgeHint(resp.Header.Get("Cache-Control")),
	}
	c.logger.Debug("page fetched",
		slog.String("key", req.Key),
		slog.Int("records", len(recs)),
		slog.Bool("has_next", page.Next != ""),
	)
	return page, nil
}

// pageURL renders the first-page URL or adopts the cursor, attaching the since
// watermark when the URL does not already carry one.
func (c *Client) pageURL(req PageRequest) (*url.URL, error) {
	raw := strings.TrimSpace(req.Cursor)
	if raw == "" {
		rendered, err := c.urlTemplate.Render(map[string]any{
			"BaseURL":      c.baseURL,
			"Key":          req.Key,
			"SinceVersion": req.SinceVersion,
		})
		if err != nil {
			return nil, err
		}
		raw = strings.TrimSpace(rendered)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("page url %q is not absolute", raw)
	}
	if req.SinceVersion != "" {
		values := u.Query()
		if values.Get(c.sinceParam) == "" {
			values.Set(c.sinceParam, req.SinceVersion)
			u.RawQuery = values.Encode()
		}
	}
	return u, nil
}

type pageEnvelope struct {
	Records []map[string]any `json:"records"`
	Version string           `json:"version"`
}

// decode accepts either {"records": [...], "version": "..."} or a bare array.
func (c *Client) decode(key string, body []byte) ([]records.Record, string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []records.Record{}, "", nil
	}
	var (
		raw     []map[string]any
		version string
	)
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, "", fault.Wrap(fault.Server, key, "malformed page", err)
		}
	case '{':
		var env pageEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, "", fault.Wrap(fault.Server, key, "malformed page", err)
		}
		raw, version = env.Records, env.Version
	default:
		return nil, "", fault.New(fault.Server, key, "page is not JSON")
	}

	out := make([]records.Record, 0, len(raw))
	for i, item := range raw {
		rec, err := c.toRecord(key, item)
		if err != nil {
			return nil, "", err
		}
		if rec.Key != key {
			return nil, "", fault.New(fault.Mismatch, key, fmt.Sprintf("record %q belongs to %q", rec.ID, rec.Key))
		}
		if err := records.Validate(key, rec); err != nil {
			return nil, "", fault.Wrap(fault.Server, key, fmt.Sprintf("record %d invalid", i), err)
		}
		out = append(out, rec)
	}
	return out, version, nil
}

func (c *Client) toRecord(key string, item map[string]any) (records.Record, error) {
	rec := records.Record{Key: key}
	payload := make(map[string]any, len(item))
	var explicitPayload map[string]any
	for name, value := range item {
		switch name {
		case c.fields.ID:
			rec.ID = scalarString(value)
		case c.fields.Key:
			rec.Key = scalarString(value)
		case c.fields.Version:
			rec.Version = scalarString(value)
		case c.fields.Timestamp:
			ts, err := parseTimestamp(value)
			if err != nil {
				return records.Record{}, fault.Wrap(fault.Server, key, "record timestamp", err)
			}
			rec.Timestamp = ts
		case "payload":
			if m, ok := value.(map[string]any); ok {
				explicitPayload = m
				continue
			}
			payload[name] = value
		default:
			payload[name] = value
		}
	}
	if explicitPayload != nil {
		rec.Payload = explicitPayload
	} else if len(payload) > 0 {
		rec.Payload = payload
	}
	if rec.Version == "" && !rec.Timestamp.IsZero() {
		version, err := records.ContentVersion(rec.Timestamp, rec.Payload)
		if err != nil {
			return records.Record{}, fault.Wrap(fault.Server, key, "record version", err)
		}
		rec.Version = version
	}
	return rec, nil
}

func scalarString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 strings, Postgres-style timestamps (UTC when
// no zone is given) and unix milliseconds.
func parseTimestamp(value any) (time.Time, error) {
	switch v := value.(type) {
	case string:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func etagVersion(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
