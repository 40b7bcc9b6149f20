// Package remote implements the conversation server's REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"treechat/application/ports"
	pkgerrors "treechat/pkg/errors"
)

// BreakerConfig holds configuration for the client's circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Client talks to the conversation server. Transport failures and 5xx
// responses count against the breaker and surface as RemoteUnavailable.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewClient(baseURL string, httpClient *http.Client, cfg BreakerConfig, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-api",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Client errors say nothing about server health.
		IsSuccessful: func(err error) bool {
			return err == nil || !pkgerrors.IsType(err, pkgerrors.ErrorTypeRemoteUnavailable)
		},
	})
	return c
}

// envelope is the {success, data} wrapper some endpoints use.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type itemList[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, op, method, path, body, out)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return pkgerrors.NewRemoteUnavailableError(op, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return pkgerrors.NewRemoteUnavailableError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return pkgerrors.NewRemoteUnavailableError(op, err)
	}
	c.logger.Debug("Remote call",
		zap.String("operation", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return decode(op, raw, out)
}

func statusError(op string, status int, raw []byte) error {
	var env envelope
	_ = json.Unmarshal(raw, &env)
	msg := env.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	cause := fmt.Errorf("%s: status %d: %s", op, status, msg)
	switch {
	case status == http.StatusNotFound:
		return pkgerrors.NewNotFoundError(op).WithCause(cause)
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return pkgerrors.NewValidationError(msg).WithCause(cause)
	case status == http.StatusTooManyRequests, status >= 500:
		return pkgerrors.NewRemoteUnavailableError(op, cause).WithDetail("status", status)
	}
	return pkgerrors.NewInternalError(cause.Error()).WithCause(cause)
}

// decode accepts both enveloped and bare JSON bodies.
func decode(op string, raw []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Success != nil && len(env.Data) > 0 {
		raw = env.Data
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return pkgerrors.NewRemoteUnavailableError(op, fmt.Errorf("malformed response: %w", err))
	}
	return nil
}

func (c *Client) CreateSession(ctx context.Context, name string) (*ports.RemoteSession, error) {
	var out ports.RemoteSession
	if err := c.do(ctx, "createSession", http.MethodPost, "/sessions", map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*ports.RemoteSession, error) {
	var out ports.RemoteSession
	if err := c.do(ctx, "getSession", http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, "deleteSession", http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) GetTree(ctx context.Context, sessionID string, includeQA bool) (*ports.RemoteTree, error) {
	path := fmt.Sprintf("/sessions/%s/tree?include_qa=%t", url.PathEscape(sessionID), includeQA)
	var out ports.RemoteTree
	if err := c.do(ctx, "getTree", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateNode(ctx context.Context, req ports.CreateNodeRequest) (*ports.RemoteNode, error) {
	var out ports.RemoteNode
	if err := c.do(ctx, "createNode", http.MethodPost, "/nodes", req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, pkgerrors.NewRemoteUnavailableError("createNode", errors.New("response without node id"))
	}
	return &out, nil
}

func (c *Client) Ask(ctx context.Context, nodeID, question string) (*ports.QAPair, error) {
	var out ports.QAPair
	path := "/nodes/" + url.PathEscape(nodeID) + "/ask"
	if err := c.do(ctx, "ask", http.MethodPost, path, map[string]string{"question": question}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListQAPairs(ctx context.Context, nodeID string) ([]ports.QAPair, error) {
	var out itemList[ports.QAPair]
	path := "/nodes/" + url.PathEscape(nodeID) + "/qa_pairs"
	if err := c.do(ctx, "listQAPairs", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) GetContext(ctx context.Context, key string) (*ports.RemoteContext, error) {
	var out ports.RemoteContext
	if err := c.do(ctx, "getContext", http.MethodGet, "/contexts/by-context-id/"+url.PathEscape(key), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateContext(ctx context.Context, key, activeNodeID string) (*ports.RemoteContext, error) {
	var out ports.RemoteContext
	body := map[string]string{"active_node_id": activeNodeID}
	if err := c.do(ctx, "updateContext", http.MethodPut, "/contexts/by-context-id/"+url.PathEscape(key), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

var _ ports.RemoteAPI = (*Client)(nil)
