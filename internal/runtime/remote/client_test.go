package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/fieldsync/internal/runtime/fault"
)

type mockHTTPDoer struct {
	requests []*http.Request
	respond  func(*http.Request) (*http.Response, error)
}

func (m *mockHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)
	return m.respond(req)
}

func jsonResponse(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestFetchEnvelopeWithCredentials(t *testing.T) {
	var seen *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Link", `</records/farm-1?page=2>; rel="next"`)
		_, _ = io.WriteString(w, `{"version":"v7","records":[
			{"id":"r1","key":"farm-1","timestamp":"2024-03-01T08:00:00Z","version":"a","payload":{"severity":2}},
			{"id":2,"timestamp":"2024-03-01T09:30:00Z","severity":4}
		]}`)
	}))
	defer srv.Close()

	client, err := New(Options{
		BaseURL:     srv.URL + "/",
		APIKey:      "anon-key",
		Credentials: StaticToken("secret"),
	})
	require.NoError(t, err)

	page, err := client.Fetch(context.Background(), PageRequest{Key: "farm-1", SinceVersion: "v6"})
	require.NoError(t, err)

	require.Equal(t, "/records/farm-1", seen.URL.Path)
	require.Equal(t, "v6", seen.URL.Query().Get("since"))
	require.Equal(t, "Bearer secret", seen.Header.Get("Authorization"))
	require.Equal(t, "anon-key", seen.Header.Get("apikey"))

	require.Equal(t, "v7", page.NewVersion)
	require.Equal(t, 60*time.Second, page.MaxAge)
	require.Equal(t, srv.URL+"/records/farm-1?page=2", page.Next)
	require.Len(t, page.Records, 2)

	first := page.Records[0]
	require.Equal(t, "r1", first.ID)
	require.Equal(t, "a", first.Version)
	require.InDelta(t, 2.0, first.Payload["severity"], 0)

	second := page.Records[1]
	require.Equal(t, "2", second.ID)
	require.Equal(t, "farm-1", second.Key)
	require.NotEmpty(t, second.Version)
	require.InDelta(t, 4.0, second.Payload["severity"], 0)
}

func TestFetchBareArrayUsesETagAndFieldMap(t *testing.T) {
	doer := &mockHTTPDoer{respond: func(*http.Request) (*http.Response, error) {
		h := http.Header{}
		h.Set("ETag", `W/"etag-3"`)
		return jsonResponse(http.StatusOK, `[{"id":10,"farmer_id":"f-9","created_at":"2024-03-01 08:15:00.5","symptom":"cough"}]`, h), nil
	}}
	client, err := New(Options{
		BaseURL:     "https://api.example.test",
		URLTemplate: `{{ .BaseURL }}/rest/v1/symptoms_reports?farmer_id=eq.{{ .Key | urlquery }}`,
		Fields:      FieldMap{Key: "farmer_id", Timestamp: "created_at"},
		HTTPClient:  doer,
	})
	require.NoError(t, err)

	page, err := client.Fetch(context.Background(), PageRequest{Key: "f-9"})
	require.NoError(t, err)
	require.Len(t, doer.requests, 1)
	require.Equal(t, "eq.f-9", doer.requests[0].URL.Query().Get("farmer_id"))
	require.Empty(t, doer.requests[0].URL.Query().Get("since"))
	require.Empty(t, doer.requests[0].Header.Get("Authorization"))

	require.Equal(t, "etag-3", page.NewVersion)
	require.Empty(t, page.Next)
	require.Len(t, page.Records, 1)
	rec := page.Records[0]
	require.Equal(t, "10", rec.ID)
	require.Equal(t, time.Date(2024, 3, 1, 8, 15, 0, 500_000_000, time.UTC), rec.Timestamp)
	require.Equal(t, "cough", rec.Payload["symptom"])
	require.NotContains(t, rec.Payload, "farmer_id")
}

func TestFetchCursorKeepsSince(t *testing.T) {
	doer := &mockHTTPDoer{respond: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `[]`, nil), nil
	}}
	client, err := New(Options{BaseURL: "https://api.example.test", HTTPClient: doer})
	require.NoError(t, err)

	page, err := client.Fetch(context.Background(), PageRequest{
		Key:          "farm-1",
		SinceVersion: "v1",
		Cursor:       "https://api.example.test/records/farm-1?page=3",
	})
	require.NoError(t, err)
	require.Empty(t, page.Records)
	q := doer.requests[0].URL.Query()
	require.Equal(t, "3", q.Get("page"))
	require.Equal(t, "v1", q.Get("since"))
}

func TestFetchErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		respond   func(*http.Request) (*http.Response, error)
		kind      fault.Kind
		retryable bool
	}{
		{
			name:      "server error",
			respond:   func(*http.Request) (*http.Response, error) { return jsonResponse(503, `{}`, nil), nil },
			kind:      fault.Server,
			retryable: true,
		},
		{
			name:    "unauthorized",
			respond: func(*http.Request) (*http.Response, error) { return jsonResponse(401, `{}`, nil), nil },
			kind:    fault.Unauthorized,
		},
		{
			name:    "client error",
			respond: func(*http.Request) (*http.Response, error) { return jsonResponse(404, `{}`, nil), nil },
			kind:    fault.Client,
		},
		{
			name:      "transport failure",
			respond:   func(*http.Request) (*http.Response, error) { return nil, errors.New("connection refused") },
			kind:      fault.Network,
			retryable: true,
		},
		{
			name: "foreign record",
			respond: func(*http.Request) (*http.Response, error) {
				return jsonResponse(200, `[{"id":"x","key":"farm-2","timestamp":"2024-03-01T08:00:00Z","version":"1"}]`, nil), nil
			},
			kind: fault.Mismatch,
		},
		{
			name:    "malformed body",
			respond: func(*http.Request) (*http.Response, error) { return jsonResponse(200, `{"records":`, nil), nil },
			kind:    fault.Server,
		},
		{
			name: "record missing id",
			respond: func(*http.Request) (*http.Response, error) {
				return jsonResponse(200, `[{"timestamp":"2024-03-01T08:00:00Z"}]`, nil), nil
			},
			kind: fault.Server,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			client, err := New(Options{BaseURL: "https://api.example.test", HTTPClient: &mockHTTPDoer{respond: tc.respond}})
			require.NoError(t, err)
			_, err = client.Fetch(context.Background(), PageRequest{Key: "farm-1"})
			require.Error(t, err)
			require.Equal(t, tc.kind, fault.KindOf(err))
			require.Equal(t, tc.retryable, fault.IsRetryable(err))
		})
	}
}

func TestFetchDeadlineIsTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	client, err := New(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Fetch(ctx, PageRequest{Key: "farm-1"})
	require.Error(t, err)
	require.Equal(t, fault.Timeout, fault.KindOf(err))
	require.True(t, fault.IsRetryable(err))
}

type failingCredentials struct{}

func (failingCredentials) Token(context.Context) (string, error) {
	return "", fmt.Errorf("session expired")
}

func TestFetchCredentialFailureIsUnauthorized(t *testing.T) {
	doer := &mockHTTPDoer{respond: func(*http.Request) (*http.Response, error) {
		return jsonResponse(200, `[]`, nil), nil
	}}
	client, err := New(Options{BaseURL: "https://api.example.test", HTTPClient: doer, Credentials: failingCredentials{}})
	require.NoError(t, err)
	_, err = client.Fetch(context.Background(), PageRequest{Key: "farm-1"})
	require.Equal(t, fault.Unauthorized, fault.KindOf(err))
	require.Empty(t, doer.requests)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{URLTemplate: "{{ .Key "})
	require.Error(t, err)

	client, err := New(Options{URLTemplate: "https://fixed.example.test/all/{{ .Key }}"})
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestNextLink(t *testing.T) {
	absolute := []string{`<https://api.example.com/page/2>; rel="next"`}
	require.Equal(t, "https://api.example.com/page/2", NextLink(absolute, nil))

	base, err := url.Parse("https://api.example.com/resource?page=1")
	require.NoError(t, err)

	mixed := []string{`</page/2>; rel="next"`, `<https://api.example.com/page/3>; rel="prev"`}
	require.Equal(t, "https://api.example.com/page/2", NextLink(mixed, base))

	combined := []string{`<https://api.example.com/page/1>; rel="prev", <https://api.example.com/page/5>; rel="last next"`}
	require.Equal(t, "https://api.example.com/page/5", NextLink(combined, base))

	junk := []string{"invalid", `<https://api.example.com/page/4>; rel="prev"`}
	require.Empty(t, NextLink(junk, base))
}
