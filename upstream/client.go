// Package upstream is the HTTP client to the control plane. Every call is
// gated by the cluster-shared circuit breaker and successful fetches are
// written through to the shared cache.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hooktap/receiver/breaker"
	"github.com/hooktap/receiver/cache"
	"github.com/hooktap/receiver/config"
	"github.com/hooktap/receiver/log"
)

const (
	requestTimeout  = 30 * time.Second
	idleConnTimeout = 90 * time.Second
	maxIdlePerHost  = 100

	// maxResponseSize caps control-plane response bodies at 1 MiB.
	maxResponseSize = 1024 * 1024
)

// Client talks to the control plane. It is safe for concurrent use; the
// underlying transport pools connections.
type Client struct {
	http    *http.Client
	baseURL string
	secret  string
	breaker *breaker.Breaker
	cache   *cache.Cache
}

func NewClient(cfg *config.Config, c *cache.Cache, b *breaker.Breaker) *Client {
	return &Client{
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        maxIdlePerHost,
				MaxIdleConnsPerHost: maxIdlePerHost,
				IdleConnTimeout:     idleConnTimeout,
			},
		},
		baseURL: cfg.ControlPlaneURL,
		secret:  cfg.SharedSecret,
		breaker: b,
		cache:   c,
	}
}

// Breaker exposes the shared breaker for health reporting.
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// FetchEndpoint fetches metadata for slug and writes it through to the
// cache. A not_found answer returns (nil, nil) without caching so a freshly
// provisioned slug starts working as soon as the control plane knows it.
func (c *Client) FetchEndpoint(ctx context.Context, slug string) (*cache.EndpointInfo, error) {
	status, body, rerr := c.roundTrip(ctx, http.MethodGet,
		c.baseURL+"/endpoint-info?slug="+url.QueryEscape(slug), nil)
	if rerr != nil {
		return nil, rerr
	}
	if status < 200 || status >= 300 {
		return nil, &Error{Kind: KindClient, Status: status, Body: string(body)}
	}

	var info cache.EndpointInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &Error{Kind: KindParse, Err: err}
	}

	if info.Error == "" {
		if err := c.cache.SetEndpoint(ctx, slug, &info); err != nil {
			log.Errorf("failed to cache endpoint %q: %s", slug, err)
		}
	}
	if info.Error == "not_found" {
		return nil, nil
	}
	return &info, nil
}

// FetchQuota fetches the quota for slug and writes it through to the cache.
// Free users whose billing period has not started yet are routed through
// check-period first; its answer wins unless it reports an error other than
// quota_exceeded, in which case the original quota payload is used.
func (c *Client) FetchQuota(ctx context.Context, slug string) error {
	status, body, rerr := c.roundTrip(ctx, http.MethodGet,
		c.baseURL+"/quota?slug="+url.QueryEscape(slug), nil)
	if rerr != nil {
		return rerr
	}
	if status < 200 || status >= 300 {
		return &Error{Kind: KindClient, Status: status, Body: string(body)}
	}

	var quota QuotaResponse
	if err := json.Unmarshal(body, &quota); err != nil {
		return &Error{Kind: KindParse, Err: err}
	}
	if quota.Error == "not_found" {
		return nil
	}

	if quota.NeedsPeriodStart && quota.UserID != "" {
		period, err := c.checkPeriod(ctx, quota.UserID)
		if err == nil {
			switch period.Error {
			case "":
				return c.cache.SetQuota(ctx, slug, cache.Quota{
					Remaining: period.Remaining,
					Limit:     period.Limit,
					PeriodEnd: int64OrZero(period.PeriodEnd),
					UserID:    quota.UserID,
				})
			case "quota_exceeded":
				return c.cache.SetQuota(ctx, slug, cache.Quota{
					Remaining: 0,
					Limit:     period.Limit,
					PeriodEnd: int64OrZero(period.PeriodEnd),
					UserID:    quota.UserID,
				})
			}
			// Any other error string: fall back to the quota payload.
		} else {
			log.Errorf("check-period failed for user %q: %s", quota.UserID, err)
		}
	}

	return c.cache.SetQuota(ctx, slug, cache.Quota{
		Remaining:   quota.Remaining,
		Limit:       quota.Limit,
		PeriodEnd:   int64OrZero(quota.PeriodEnd),
		IsUnlimited: quota.Remaining == -1,
		UserID:      quota.UserID,
	})
}

// checkPeriod starts a free user's billing period. Both 200 and 429 carry
// parseable bodies.
func (c *Client) checkPeriod(ctx context.Context, userID string) (*CheckPeriodResponse, error) {
	payload, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return nil, &Error{Kind: KindParse, Err: err}
	}

	status, body, rerr := c.roundTrip(ctx, http.MethodPost, c.baseURL+"/check-period", payload)
	if rerr != nil {
		return nil, rerr
	}
	if status != http.StatusOK && status != http.StatusTooManyRequests {
		return nil, &Error{Kind: KindClient, Status: status, Body: string(body)}
	}

	var period CheckPeriodResponse
	if err := json.Unmarshal(body, &period); err != nil {
		return nil, &Error{Kind: KindParse, Err: err}
	}
	return &period, nil
}

// CaptureBatch forwards drained buffered requests for slug.
func (c *Client) CaptureBatch(ctx context.Context, slug string, reqs []cache.BufferedRequest) (*CaptureResponse, error) {
	payload, err := json.Marshal(batchPayload{Slug: slug, Requests: reqs})
	if err != nil {
		return nil, &Error{Kind: KindParse, Err: err}
	}

	status, body, rerr := c.roundTrip(ctx, http.MethodPost, c.baseURL+"/capture-batch", payload)
	if rerr != nil {
		return nil, rerr
	}
	if status < 200 || status >= 300 {
		return nil, &Error{Kind: KindClient, Status: status, Body: string(body)}
	}

	var capture CaptureResponse
	if err := json.Unmarshal(body, &capture); err != nil {
		return nil, &Error{Kind: KindParse, Err: err}
	}
	return &capture, nil
}

// roundTrip performs one breaker-gated call and handles the shared failure
// accounting: network errors, oversized bodies and 5xx record a failure;
// any reachable status, 4xx included, records a success.
func (c *Client) roundTrip(ctx context.Context, method, rawURL string, payload []byte) (int, []byte, *Error) {
	if !c.breaker.Allow(ctx) {
		return 0, nil, &Error{Kind: KindCircuitOpen}
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return 0, nil, &Error{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure()
		return 0, nil, &Error{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		c.recordFailure()
		return 0, nil, &Error{Kind: KindNetwork, Err: err}
	}
	if len(body) > maxResponseSize {
		c.recordFailure()
		return 0, nil, &Error{Kind: KindTooLarge}
	}
	if resp.StatusCode >= 500 {
		c.recordFailure()
		return 0, nil, &Error{Kind: KindServer, Status: resp.StatusCode, Body: string(body)}
	}

	c.recordSuccess()
	return resp.StatusCode, body, nil
}

// Breaker updates are fire-and-forget so they never extend request latency.
func (c *Client) recordFailure() {
	go c.breaker.RecordFailure(context.Background())
}

func (c *Client) recordSuccess() {
	go c.breaker.RecordSuccess(context.Background())
}

func int64OrZero(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
