package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestReferenceMissingConfig(t *testing.T) {
	ref := NewReference(ReferenceOptions{}, noopLogger())
	if _, err := ref.Fetch(context.Background(), Pair{Base: "USD", Quote: "COP"}); err == nil {
		t.Fatal("sin base url debería fallar")
	}
}

func TestReferenceFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/latest" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("base") != "USD" || r.URL.Query().Get("symbols") != "COP" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"date":  "2026-08-28",
			"base":  "USD",
			"rates": map[string]float64{"COP": 4123.55},
		})
	}))
	defer srv.Close()

	ref := NewReference(ReferenceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	sample, err := ref.Fetch(context.Background(), Pair{Base: "USD", Quote: "COP"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if sample.Source != SourceReference {
		t.Fatalf("source = %q", sample.Source)
	}
	if sample.Rate.String() != "4123.55" {
		t.Fatalf("rate = %s", sample.Rate)
	}

	var payload map[string]string
	if err := json.Unmarshal(sample.Context, &payload); err != nil {
		t.Fatalf("context payload: %v", err)
	}
	if payload["official_date"] != "2026-08-28" {
		t.Fatalf("official_date = %q", payload["official_date"])
	}
}

func TestReferenceFetchAtUsesDatePath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{
			"date":  "2026-01-15",
			"rates": map[string]string{"VES": "52.31"},
		})
	}))
	defer srv.Close()

	ref := NewReference(ReferenceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	day := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	sample, err := ref.FetchAt(context.Background(), Pair{Base: "USD", Quote: "VES"}, day)
	if err != nil {
		t.Fatalf("FetchAt failed: %v", err)
	}
	if gotPath != "/2026-01-15" {
		t.Fatalf("path = %q", gotPath)
	}
	if sample.Rate.String() != "52.31" {
		t.Fatalf("rate = %s", sample.Rate)
	}

	// A historical sample is stamped with its official date so range
	// queries over the backfilled window find it.
	want := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	if !sample.FetchedAt.Equal(want) {
		t.Fatalf("la muestra histórica debe datarse en su fecha oficial: got %s, want %s", sample.FetchedAt, want)
	}
}

func TestReferenceFetchAtFallsBackToRequestedDay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"date":  "not-a-date",
			"rates": map[string]string{"COP": "3950.10"},
		})
	}))
	defer srv.Close()

	ref := NewReference(ReferenceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	day := time.Date(2020, 1, 2, 18, 30, 0, 0, time.UTC)
	sample, err := ref.FetchAt(context.Background(), Pair{Base: "USD", Quote: "COP"}, day)
	if err != nil {
		t.Fatalf("FetchAt failed: %v", err)
	}
	want := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	if !sample.FetchedAt.Equal(want) {
		t.Fatalf("fetched_at = %s, want requested day %s", sample.FetchedAt, want)
	}
}

func TestReferenceUnsupportedPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"date":  "2026-08-28",
			"rates": map[string]float64{"COP": 4123.55},
		})
	}))
	defer srv.Close()

	ref := NewReference(ReferenceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := ref.Fetch(context.Background(), Pair{Base: "USD", Quote: "XXX"})
	if !errors.Is(err, ErrNotSupportedPair) {
		t.Fatalf("want ErrNotSupportedPair, got %v", err)
	}
}

func TestReferenceHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusNotFound, ErrNotSupportedPair},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
		}))

		ref := NewReference(ReferenceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
		_, err := ref.Fetch(context.Background(), Pair{Base: "USD", Quote: "COP"})
		srv.Close()

		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: want %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestReferenceMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	ref := NewReference(ReferenceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := ref.Fetch(context.Background(), Pair{Base: "USD", Quote: "COP"})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("want ErrMalformedResponse, got %v", err)
	}
}
