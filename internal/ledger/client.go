package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/carecircle/backend/internal/circles"
	"go.uber.org/zap"
)

const (
	methodGetCircle = "care_getCircle"
	methodGetTasks  = "care_getTasks"

	defaultAttempts      = 3
	defaultRetryDelay    = 500 * time.Millisecond
	defaultLookupTimeout = 5 * time.Second
)

var errMissingEndpoint = errors.New("ledger: rpc endpoint is required")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type circlePayload struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	WalletKey string `json:"wallet_key"`
	TxHash    string `json:"tx_hash"`
}

type taskPayload struct {
	ID            int64  `json:"id"`
	CircleID      int64  `json:"circle_id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	AssignedTo    string `json:"assigned_to"`
	CreatedBy     string `json:"created_by"`
	Priority      int    `json:"priority"`
	PaymentAmount string `json:"payment_amount"`
	RequestMoney  bool   `json:"request_money"`
	Completed     bool   `json:"completed"`
	CompletedBy   string `json:"completed_by"`
	TxHash        string `json:"tx_hash"`
}

// ClientConfig carries the RPC endpoint and the fixed attempt budget for a
// single lookup.
type ClientConfig struct {
	Endpoint      string
	HTTPClient    *http.Client
	Attempts      int
	RetryDelay    time.Duration
	LookupTimeout time.Duration
	Logger        *zap.Logger
}

// Client reads circle and task state from the ledger RPC node over JSON-RPC.
// Lookups retry a fixed number of times with a fixed delay and give up after
// an overall timeout; the caller treats exhaustion as not-found.
//
// Client implements circles.LedgerGateway.
type Client struct {
	endpoint      string
	httpClient    *http.Client
	attempts      int
	retryDelay    time.Duration
	lookupTimeout time.Duration
	logger        *zap.Logger
}

// NewClient validates the configuration and constructs a gateway client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errMissingEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultLookupTimeout}
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	lookupTimeout := cfg.LookupTimeout
	if lookupTimeout <= 0 {
		lookupTimeout = defaultLookupTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:      cfg.Endpoint,
		httpClient:    httpClient,
		attempts:      attempts,
		retryDelay:    retryDelay,
		lookupTimeout: lookupTimeout,
		logger:        logger,
	}, nil
}

// CircleByID fetches one circle record from the chain. A nil record with a
// nil error means the ledger has no such circle.
func (c *Client) CircleByID(ctx context.Context, id int64) (*circles.LedgerCircleRecord, error) {
	var payload *circlePayload
	if err := c.call(ctx, methodGetCircle, map[string]int64{"circle_id": id}, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	return &circles.LedgerCircleRecord{
		ID:        payload.ID,
		Name:      payload.Name,
		Owner:     payload.Owner,
		WalletKey: payload.WalletKey,
		TxHash:    payload.TxHash,
	}, nil
}

// TasksByCircle fetches the circle's recorded tasks from the chain.
func (c *Client) TasksByCircle(ctx context.Context, circleID int64) ([]circles.LedgerTaskRecord, error) {
	var payloads []taskPayload
	if err := c.call(ctx, methodGetTasks, map[string]int64{"circle_id": circleID}, &payloads); err != nil {
		return nil, err
	}
	records := make([]circles.LedgerTaskRecord, 0, len(payloads))
	for _, p := range payloads {
		records = append(records, circles.LedgerTaskRecord{
			ID:            p.ID,
			CircleID:      p.CircleID,
			Title:         p.Title,
			Description:   p.Description,
			AssignedTo:    p.AssignedTo,
			CreatedBy:     p.CreatedBy,
			Priority:      p.Priority,
			PaymentAmount: p.PaymentAmount,
			RequestMoney:  p.RequestMoney,
			Completed:     p.Completed,
			CompletedBy:   p.CompletedBy,
			TxHash:        p.TxHash,
		})
	}
	return records, nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	lookupCtx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-lookupCtx.Done():
				return fmt.Errorf("ledger: lookup budget exhausted: %w", lookupCtx.Err())
			case <-time.After(c.retryDelay):
			}
		}

		lastErr = c.callOnce(lookupCtx, method, params, out)
		if lastErr == nil {
			return nil
		}
		c.logger.Debug("ledger rpc attempt failed",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}
	return fmt.Errorf("ledger: %s failed after %d attempts: %w", method, c.attempts, lastErr)
}

func (c *Client) callOnce(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger: unexpected status %d", response.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Error != nil {
		return fmt.Errorf("ledger: rpc error (%d): %s", decoded.Error.Code, decoded.Error.Message)
	}
	if out == nil || len(decoded.Result) == 0 || string(decoded.Result) == "null" {
		return nil
	}
	return json.Unmarshal(decoded.Result, out)
}
