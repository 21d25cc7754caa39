package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var errMissingBaseURL = errors.New("poll: api base url is required")

// MemberView is the member state as served by the cache API.
type MemberView struct {
	CircleID int64   `json:"circle_id"`
	Address  string  `json:"address"`
	Name     string  `json:"name"`
	IsOwner  bool    `json:"is_owner"`
	TxHash   *string `json:"tx_hash"`
	JoinedAt int64   `json:"joined_at_s"`
}

// TaskView is the task state as served by the cache API, including the
// derived payment state tag.
type TaskView struct {
	ID            int64   `json:"id"`
	CircleID      int64   `json:"circle_id"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	AssignedTo    *string `json:"assigned_to"`
	CreatedBy     string  `json:"created_by"`
	Priority      int     `json:"priority"`
	PaymentAmount string  `json:"payment_amount"`
	RequestMoney  bool    `json:"request_money"`
	PaymentTxHash *string `json:"payment_tx_hash"`
	PaymentState  string  `json:"payment_state"`
	Rejected      bool    `json:"rejected"`
	Completed     bool    `json:"completed"`
	CompletedBy   *string `json:"completed_by"`
	CompletedAt   *int64  `json:"completed_at_s"`
	TxHash        *string `json:"tx_hash"`
	CreatedAt     int64   `json:"created_at_s"`
}

// StatsView mirrors the circle stats payload.
type StatsView struct {
	TotalTasks     int64 `json:"total_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	OpenTasks      int64 `json:"open_tasks"`
	CompletionRate int   `json:"completion_rate"`
	MemberCount    int64 `json:"member_count"`
}

// Snapshot is the full view state of one circle at one poll tick.
type Snapshot struct {
	CircleID  int64
	Tasks     []TaskView
	Members   []MemberView
	Stats     StatsView
	FetchedAt time.Time
}

// ClientConfig describes the cache API endpoint to poll.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Clock      func() time.Time
}

// Client fetches circle snapshots from the cache HTTP API.
//
// Client implements Fetcher.
type Client struct {
	baseURL    string
	httpClient *http.Client
	clock      func() time.Time
}

// NewClient validates the configuration and constructs a snapshot fetcher.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		clock:      clock,
	}, nil
}

// FetchSnapshot re-reads tasks, members and stats for the circle. Any
// partial failure fails the whole snapshot; the poller retries next tick.
func (c *Client) FetchSnapshot(ctx context.Context, circleID int64) (Snapshot, error) {
	snapshot := Snapshot{CircleID: circleID}

	if err := c.getJSON(ctx, fmt.Sprintf("%s/circles/%d/tasks", c.baseURL, circleID), &snapshot.Tasks); err != nil {
		return Snapshot{}, err
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/circles/%d/members", c.baseURL, circleID), &snapshot.Members); err != nil {
		return Snapshot{}, err
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/circles/%d/stats", c.baseURL, circleID), &snapshot.Stats); err != nil {
		return Snapshot{}, err
	}

	snapshot.FetchedAt = c.clock().UTC()
	return snapshot, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("poll: unexpected status %d from %s", response.StatusCode, url)
	}
	return json.NewDecoder(response.Body).Decode(out)
}
