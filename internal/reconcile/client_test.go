package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spachava753/stepbench/internal/models"
)

func usageConfig(t *testing.T, baseURL string) models.UsageAPIConfig {
	t.Helper()
	t.Setenv("STEPBENCH_TEST_ADMIN_KEY", "sk-admin-test")
	return models.UsageAPIConfig{
		BaseURL:        baseURL,
		AdminKeyEnv:    "STEPBENCH_TEST_ADMIN_KEY",
		BucketWidth:    "1m",
		RequestsPerSec: 1000,
		TimeoutSec:     5,
	}
}

func TestClientPaginatesAndSums(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/organization/usage/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-admin-test" {
			t.Errorf("Authorization = %q", got)
		}
		q := r.URL.Query()
		if q.Get("start_time") != "1772359200" || q.Get("bucket_width") != "1m" || q.Get("api_key_ids") != "key_abc" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		pages = append(pages, q.Get("page"))

		var body map[string]any
		switch q.Get("page") {
		case "":
			body = map[string]any{
				"object": "page",
				"data": []map[string]any{{
					"object":     "bucket",
					"start_time": start.Unix(),
					"end_time":   start.Add(time.Minute).Unix(),
					"results": []map[string]any{
						{"input_tokens": 600, "output_tokens": 300, "input_cached_tokens": 100, "num_model_requests": 2},
						{"input_tokens": 100, "output_tokens": 50, "input_cached_tokens": 0, "num_model_requests": 1},
					},
				}},
				"has_more":  true,
				"next_page": "page_2",
			}
		case "page_2":
			body = map[string]any{
				"object": "page",
				"data": []map[string]any{{
					"object":     "bucket",
					"start_time": start.Add(time.Minute).Unix(),
					"end_time":   start.Add(2 * time.Minute).Unix(),
					"results": []map[string]any{
						{"input_tokens": 300, "output_tokens": 150, "input_cached_tokens": 0, "num_model_requests": 1},
					},
				}},
				"has_more":  false,
				"next_page": nil,
			}
		default:
			t.Errorf("unexpected page %q", q.Get("page"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	c, err := NewClient(usageConfig(t, srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	report, err := c.Usage(context.Background(), Query{APIKeyID: "key_abc", Start: start, End: start.Add(2 * time.Minute)})
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}

	want := models.UsageCounts{TokensIn: 1000, TokensOut: 500, APICalls: 4, CachedTokens: 100}
	if report.Total != want {
		t.Errorf("Total = %+v, want %+v", report.Total, want)
	}
	if len(report.Buckets) != 2 {
		t.Fatalf("got %d buckets, want 2", len(report.Buckets))
	}
	if report.Buckets[1].TokensIn != 300 || !report.Buckets[1].Start.Equal(start.Add(time.Minute)) {
		t.Errorf("second bucket = %+v", report.Buckets[1])
	}
	if strings.Join(pages, ",") != ",page_2" {
		t.Errorf("pages requested = %q", pages)
	}
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewClient(usageConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	now := time.Now()
	_, err = c.Usage(context.Background(), Query{Start: now.Add(-time.Hour), End: now})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}

	if _, err := c.Usage(context.Background(), Query{Start: now, End: now.Add(-time.Hour)}); err == nil {
		t.Fatal("expected error for inverted window")
	}
}

func TestNewClientRequiresAdminKey(t *testing.T) {
	t.Setenv("STEPBENCH_TEST_MISSING_KEY", "")
	_, err := NewClient(models.UsageAPIConfig{BaseURL: "http://example.invalid", AdminKeyEnv: "STEPBENCH_TEST_MISSING_KEY"})
	if err == nil {
		t.Fatal("expected error when the admin key variable is empty")
	}
}

func TestAttribute(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	steps := []models.StepResult{
		{StepID: 1, StartedAt: t0.Add(30 * time.Second), EndedAt: t0.Add(90 * time.Second)},
		{StepID: 3, StartedAt: t0.Add(100 * time.Second), EndedAt: t0.Add(200 * time.Second)},
	}
	bucket := func(from, to time.Duration, in int64) Bucket {
		return Bucket{Start: t0.Add(from), End: t0.Add(to), UsageCounts: models.UsageCounts{TokensIn: in, APICalls: 1}}
	}
	got := Attribute([]Bucket{
		bucket(0, time.Minute, 10),                // only step 1 overlaps
		bucket(time.Minute, 2*time.Minute, 20),    // step 1: 30s, step 3: 20s
		bucket(2*time.Minute, 3*time.Minute, 40),  // only step 3
		bucket(10*time.Minute, 11*time.Minute, 5), // no step
		bucket(3*time.Minute, 4*time.Minute, 0),   // empty
	}, steps)

	if got[1].TokensIn != 30 || got[1].APICalls != 2 {
		t.Errorf("step 1 = %+v, want 30 tokens over 2 calls", got[1])
	}
	if got[3].TokensIn != 40 {
		t.Errorf("step 3 = %+v, want 40 tokens", got[3])
	}
	if len(got) != 2 {
		t.Errorf("breakdown has %d entries, want 2", len(got))
	}
}
