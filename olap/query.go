package olap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hooktap/receiver/cache"
)

var (
	ErrMissingUserID = errors.New("user_id is required")
	ErrInvalidPlan   = errors.New("invalid plan")
	ErrInvalidSlug   = errors.New("invalid slug")
)

const (
	defaultLimit = 50
	maxLimit     = 200
	maxOffset    = 10000

	// freeRetentionClause limits free-plan searches to the retention window.
	freeRetentionClause = "received_at >= now() - INTERVAL 7 DAY"
)

// SearchQuery describes one trusted search over captured requests.
type SearchQuery struct {
	UserID string
	Plan   string
	Slug   string
	Method string
	Q      string
	From   *int64
	To     *int64
	Limit  int
	Offset int
	Order  string
}

// escaper doubles the two characters that can break out of a ClickHouse
// string literal. Substring search uses multiSearchAny, so no LIKE
// wildcard escaping is needed.
var escaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func escapeString(s string) string {
	return escaper.Replace(s)
}

// formatDateTime64 renders epoch milliseconds as a DateTime64(3) literal
// using integer arithmetic only, so the value survives the round trip to
// the exact millisecond. The sign is applied to the whole decimal, not the
// seconds part, so pre-epoch timestamps stay exact too.
func formatDateTime64(ms int64) string {
	sign := ""
	if ms < 0 {
		sign = "-"
		ms = -ms
	}
	return fmt.Sprintf("%s%d.%03d", sign, ms/1000, ms%1000)
}

// SQL builds the parameterized search statement against database.requests.
// The user_id filter is mandatory; everything else is optional.
func (q *SearchQuery) SQL(database string) (string, error) {
	if q.UserID == "" {
		return "", ErrMissingUserID
	}

	conditions := []string{
		fmt.Sprintf("user_id = '%s'", escapeString(q.UserID)),
	}

	switch q.Plan {
	case "free":
		conditions = append(conditions, freeRetentionClause)
	case "", "pro":
	default:
		return "", ErrInvalidPlan
	}

	if q.Slug != "" {
		if !cache.ValidSlug(q.Slug) {
			return "", ErrInvalidSlug
		}
		conditions = append(conditions, fmt.Sprintf("slug = '%s'", escapeString(q.Slug)))
	}

	if q.Method != "" && q.Method != "ALL" {
		conditions = append(conditions, fmt.Sprintf("method = '%s'", escapeString(q.Method)))
	}

	if q.Q != "" {
		escaped := escapeString(q.Q)
		conditions = append(conditions, fmt.Sprintf(
			"(multiSearchAny(path, ['%s']) OR multiSearchAny(body, ['%s']) OR multiSearchAny(headers, ['%s']))",
			escaped, escaped, escaped))
	}

	if q.From != nil {
		conditions = append(conditions, fmt.Sprintf(
			"received_at >= toDateTime64('%s', 3, 'UTC')", formatDateTime64(*q.From)))
	}
	if q.To != nil {
		conditions = append(conditions, fmt.Sprintf(
			"received_at <= toDateTime64('%s', 3, 'UTC')", formatDateTime64(*q.To)))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > maxOffset {
		offset = maxOffset
	}
	order := "DESC"
	if strings.EqualFold(q.Order, "asc") {
		order = "ASC"
	}

	sql := fmt.Sprintf(
		"SELECT endpoint_id, slug, user_id, method, path, headers, body, query_params, ip, content_type, size, is_ephemeral, received_at "+
			"FROM %s.requests WHERE %s ORDER BY received_at %s LIMIT %d OFFSET %d",
		database, strings.Join(conditions, " AND "), order, limit, offset)
	return sql, nil
}
