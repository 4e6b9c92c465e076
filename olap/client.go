// Package olap is the read-only ClickHouse client behind the trusted
// search endpoint. It speaks the plain HTTP interface and requests results
// in JSONEachRow format.
package olap

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hooktap/receiver/config"
)

const queryTimeout = 30 * time.Second

// Client executes search queries against the ClickHouse HTTP interface.
type Client struct {
	http     *http.Client
	baseURL  string
	database string
	user     string
	password string
}

// NewClient returns nil when no ClickHouse URL is configured; callers treat
// a nil client as "search disabled".
func NewClient(cfg *config.Config) *Client {
	if cfg.ClickHouseURL == "" {
		return nil
	}
	return &Client{
		http:     &http.Client{Timeout: queryTimeout},
		baseURL:  strings.TrimSuffix(cfg.ClickHouseURL, "/"),
		database: cfg.ClickHouseDatabase,
		user:     cfg.ClickHouseUser,
		password: cfg.ClickHousePassword,
	}
}

// Database returns the configured database name for query building.
func (c *Client) Database() string {
	return c.database
}

// QueryRequests runs sql and decodes the JSONEachRow response, one row per
// line.
func (c *Client) QueryRequests(ctx context.Context, sql string) ([]RequestRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/",
		strings.NewReader(sql+" FORMAT JSONEachRow"))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clickhouse query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("clickhouse returned status %d: %s", resp.StatusCode, body)
	}

	rows := []RequestRow{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row RequestRow
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("failed to decode clickhouse row: %w", err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read clickhouse response: %w", err)
	}
	return rows, nil
}
