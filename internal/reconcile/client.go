package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/spachava753/stepbench/internal/models"
)

// Query selects the usage to report: every request made with APIKeyID in
// [Start, End]. An empty APIKeyID reports the whole organization.
type Query struct {
	APIKeyID string
	Start    time.Time
	End      time.Time
}

// Bucket is the usage reported for one time slice of the window.
type Bucket struct {
	Start time.Time
	End   time.Time
	models.UsageCounts
}

// Report is one answer from the usage API.
type Report struct {
	Total   models.UsageCounts
	Buckets []Bucket
}

// UsageSource answers usage queries. Answers are eventually consistent.
type UsageSource interface {
	Usage(ctx context.Context, q Query) (Report, error)
}

// Client reads the OpenAI organization usage endpoint for completions.
type Client struct {
	baseURL     string
	adminKey    string
	bucketWidth string
	httpClient  *http.Client
	limiter     *rate.Limiter
}

// NewClient builds a client from the experiment's usage settings. The admin
// key is read from the environment variable cfg.AdminKeyEnv.
func NewClient(cfg models.UsageAPIConfig) (*Client, error) {
	key := os.Getenv(cfg.AdminKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("usage admin key: environment variable %q is not set", cfg.AdminKeyEnv)
	}
	width := cfg.BucketWidth
	if width == "" {
		width = "1m"
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 1
	}
	timeout := time.Duration(cfg.TimeoutSec * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		adminKey:    key,
		bucketWidth: width,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

type usagePage struct {
	Data     []usageBucket `json:"data"`
	HasMore  bool          `json:"has_more"`
	NextPage *string       `json:"next_page"`
}

type usageBucket struct {
	StartTime int64         `json:"start_time"`
	EndTime   int64         `json:"end_time"`
	Results   []usageResult `json:"results"`
}

type usageResult struct {
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	InputCachedTokens int64 `json:"input_cached_tokens"`
	NumModelRequests  int64 `json:"num_model_requests"`
}

// Usage fetches every page for q and sums the results.
func (c *Client) Usage(ctx context.Context, q Query) (Report, error) {
	if q.End.Before(q.Start) {
		return Report{}, fmt.Errorf("usage window ends before it starts")
	}

	var report Report
	page := ""
	for {
		p, err := c.fetch(ctx, q, page)
		if err != nil {
			return Report{}, err
		}
		for _, b := range p.Data {
			bucket := Bucket{
				Start: time.Unix(b.StartTime, 0).UTC(),
				End:   time.Unix(b.EndTime, 0).UTC(),
			}
			for _, r := range b.Results {
				bucket.UsageCounts = bucket.UsageCounts.Add(models.UsageCounts{
					TokensIn:     r.InputTokens,
					TokensOut:    r.OutputTokens,
					APICalls:     r.NumModelRequests,
					CachedTokens: r.InputCachedTokens,
				})
			}
			report.Total = report.Total.Add(bucket.UsageCounts)
			report.Buckets = append(report.Buckets, bucket)
		}
		if !p.HasMore || p.NextPage == nil || *p.NextPage == "" {
			return report, nil
		}
		if *p.NextPage == page {
			return Report{}, errors.New("usage API returned the same page cursor twice")
		}
		page = *p.NextPage
	}
}

func (c *Client) fetch(ctx context.Context, q Query, page string) (*usagePage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for usage API rate limit: %w", err)
	}

	params := url.Values{}
	params.Set("start_time", strconv.FormatInt(q.Start.Unix(), 10))
	// end_time is exclusive on the API side
	params.Set("end_time", strconv.FormatInt(q.End.Unix()+1, 10))
	params.Set("bucket_width", c.bucketWidth)
	if q.APIKeyID != "" {
		params.Add("api_key_ids", q.APIKeyID)
	}
	if page != "" {
		params.Set("page", page)
	}

	endpoint := c.baseURL + "/organization/usage/completions?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.adminKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("usage API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p usagePage
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode usage response: %w", err)
	}
	return &p, nil
}

// Attribute splits bucket usage over the steps that overlap each bucket
// the most. Buckets overlapping no step are left out of the breakdown.
func Attribute(buckets []Bucket, steps []models.StepResult) map[int]models.UsageCounts {
	out := map[int]models.UsageCounts{}
	for _, b := range buckets {
		if b.UsageCounts.IsZero() {
			continue
		}
		best, bestOverlap := -1, time.Duration(-1)
		for i, s := range steps {
			ov := overlap(b.Start, b.End, s.StartedAt, s.EndedAt)
			if ov < 0 {
				continue
			}
			if ov > bestOverlap {
				best, bestOverlap = i, ov
			}
		}
		if best < 0 {
			continue
		}
		id := steps[best].StepID
		out[id] = out[id].Add(b.UsageCounts)
	}
	return out
}

// overlap returns the length of the intersection of [aStart, aEnd] and
// [bStart, bEnd], or -1 when they are disjoint. Touching intervals overlap
// with length zero.
func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if end.Before(start) {
		return -1
	}
	return end.Sub(start)
}
