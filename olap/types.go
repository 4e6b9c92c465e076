package olap

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"time"
)

// RequestRow is one row of the requests table as returned by the
// ClickHouse HTTP interface in JSONEachRow format.
type RequestRow struct {
	EndpointID  string `json:"endpoint_id"`
	Slug        string `json:"slug"`
	UserID      string `json:"user_id"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Headers     string `json:"headers"`
	Body        string `json:"body"`
	QueryParams string `json:"query_params"`
	IP          string `json:"ip"`
	ContentType string `json:"content_type"`
	Size        uint32 `json:"size"`
	IsEphemeral bool   `json:"is_ephemeral"`
	ReceivedAt  string `json:"received_at"`
}

// SearchResult is the API-facing shape of one captured request.
type SearchResult struct {
	ID          string            `json:"id"`
	Slug        string            `json:"slug"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body,omitempty"`
	QueryParams map[string]string `json:"queryParams"`
	ContentType string            `json:"contentType,omitempty"`
	IP          string            `json:"ip"`
	Size        uint32            `json:"size"`
	ReceivedAt  int64             `json:"receivedAt"`
}

// ResultFromRow maps a ClickHouse row to the API shape. Rows carry no
// natural key, so the id is synthesized from slug, timestamp and a 16-bit
// hash of body+path+ip that disambiguates same-millisecond rows.
func ResultFromRow(row *RequestRow) SearchResult {
	headers := map[string]string{}
	if row.Headers != "" {
		_ = json.Unmarshal([]byte(row.Headers), &headers)
	}
	queryParams := map[string]string{}
	if row.QueryParams != "" {
		_ = json.Unmarshal([]byte(row.QueryParams), &queryParams)
	}

	receivedAt := parseReceivedAt(row.ReceivedAt)

	h := fnv.New64a()
	h.Write([]byte(row.Body))
	h.Write([]byte(row.Path))
	h.Write([]byte(row.IP))
	id := fmt.Sprintf("%s:%d:%04x", row.Slug, receivedAt, h.Sum64()&0xFFFF)

	return SearchResult{
		ID:          id,
		Slug:        row.Slug,
		Method:      row.Method,
		Path:        row.Path,
		Headers:     headers,
		Body:        row.Body,
		QueryParams: queryParams,
		ContentType: row.ContentType,
		IP:          row.IP,
		Size:        row.Size,
		ReceivedAt:  receivedAt,
	}
}

// parseReceivedAt converts a DateTime64(3) value to epoch milliseconds.
// ClickHouse emits either epoch seconds with a millisecond fraction
// ("1739800496.789") or a wall-clock form ("2026-02-17 12:34:56.789"),
// depending on the server's date_time_output_format.
func parseReceivedAt(s string) int64 {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		// Round, don't truncate: the fraction is not exactly representable.
		return int64(math.Round(f * 1000))
	}
	for _, layout := range []string{"2006-01-02 15:04:05.999", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}
