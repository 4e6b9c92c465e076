package upstream

import (
	"github.com/hooktap/receiver/cache"
)

// QuotaResponse is the control plane's answer to GET /quota.
type QuotaResponse struct {
	Error            string `json:"error,omitempty"`
	UserID           string `json:"userId"`
	Remaining        int64  `json:"remaining"`
	Limit            int64  `json:"limit"`
	PeriodEnd        *int64 `json:"periodEnd"`
	Plan             string `json:"plan,omitempty"`
	NeedsPeriodStart bool   `json:"needsPeriodStart,omitempty"`
}

// CheckPeriodResponse is the answer to POST /check-period. A 429 carries a
// quota_exceeded payload and is parsed the same way a 200 is.
type CheckPeriodResponse struct {
	Error      string `json:"error,omitempty"`
	Remaining  int64  `json:"remaining"`
	Limit      int64  `json:"limit"`
	PeriodEnd  *int64 `json:"periodEnd"`
	RetryAfter *int64 `json:"retryAfter"`
}

// CaptureResponse is the answer to POST /capture-batch.
type CaptureResponse struct {
	Success  bool   `json:"success,omitempty"`
	Error    string `json:"error,omitempty"`
	Inserted int    `json:"inserted,omitempty"`
}

// batchPayload is the capture-batch request body.
type batchPayload struct {
	Slug     string                  `json:"slug"`
	Requests []cache.BufferedRequest `json:"requests"`
}
