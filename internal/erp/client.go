// Package erp defines the narrow RPC surface the processor needs from the
// ERP and provides a JSON-RPC HTTP client implementing it.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"ordermail/internal/model"
)

// TimeFormat is the naive-UTC timestamp layout the ERP requires for
// inequality predicates. The server rejects offset suffixes.
const TimeFormat = "2006-01-02 15:04:05"

// FormatTime renders t for use in an ERP domain predicate.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Client is the RPC surface the processor consumes.
type Client interface {
	// SearchRead queries model records matching domain, returning the
	// requested fields ordered by ascending id. limit <= 0 means no limit.
	SearchRead(ctx context.Context, mdl string, domain []any, fields []string, limit int) ([]map[string]any, error)

	// Create inserts a record and returns its id.
	Create(ctx context.Context, mdl string, values map[string]any) (int64, error)

	// Read fetches records by id.
	Read(ctx context.Context, mdl string, ids []int64, fields []string) ([]map[string]any, error)
}

// Config configures the HTTP client.
type Config struct {
	URL      string
	DB       string
	User     string
	Password string
	Timeout  time.Duration
}

// HTTPClient talks JSON-RPC to the ERP's /jsonrpc endpoint.
type HTTPClient struct {
	config     *Config
	httpClient *http.Client
	uid        atomic.Int64 // authenticated user id, 0 until login
	reqID      atomic.Int64
}

// NewHTTPClient creates an ERP client. Authentication happens lazily on the
// first call.
func NewHTTPClient(config *Config) *HTTPClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("ERP RPC error %d: %s", e.Code, e.Message)
}

func (c *HTTPClient) call(ctx context.Context, service, method string, args []any, out any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.reqID.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal RPC request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create RPC request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return model.Transient("erp rpc", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return model.Transient("erp rpc", fmt.Errorf("server returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ERP returned status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode RPC response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decode RPC result: %w", err)
		}
	}
	return nil
}

// authenticate logs in and caches the user id.
func (c *HTTPClient) authenticate(ctx context.Context) (int64, error) {
	if uid := c.uid.Load(); uid != 0 {
		return uid, nil
	}
	var uid int64
	args := []any{c.config.DB, c.config.User, c.config.Password, map[string]any{}}
	if err := c.call(ctx, "common", "authenticate", args, &uid); err != nil {
		return 0, fmt.Errorf("authenticate: %w", err)
	}
	if uid == 0 {
		return 0, fmt.Errorf("authentication rejected for user %q", c.config.User)
	}
	c.uid.Store(uid)
	return uid, nil
}

// ResetSession drops the cached authentication; the next call logs in again.
func (c *HTTPClient) ResetSession() {
	c.uid.Store(0)
}

// execute runs model method calls through the object service.
func (c *HTTPClient) execute(ctx context.Context, mdl, method string, args []any, kwargs map[string]any, out any) error {
	uid, err := c.authenticate(ctx)
	if err != nil {
		return err
	}
	callArgs := []any{c.config.DB, uid, c.config.Password, mdl, method, args}
	if kwargs != nil {
		callArgs = append(callArgs, kwargs)
	}
	return c.call(ctx, "object", "execute_kw", callArgs, out)
}

// SearchRead implements Client.
func (c *HTTPClient) SearchRead(ctx context.Context, mdl string, domain []any, fields []string, limit int) ([]map[string]any, error) {
	// Odoo's default search_read ordering follows each model's _order (display
	// name for res.partner), so batched id-cursor paging needs an explicit
	// id sort or batches skip records.
	kwargs := map[string]any{"fields": fields, "order": "id"}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	var records []map[string]any
	if err := c.execute(ctx, mdl, "search_read", []any{domain}, kwargs, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Create implements Client.
func (c *HTTPClient) Create(ctx context.Context, mdl string, values map[string]any) (int64, error) {
	var id int64
	if err := c.execute(ctx, mdl, "create", []any{values}, nil, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// Read implements Client.
func (c *HTTPClient) Read(ctx context.Context, mdl string, ids []int64, fields []string) ([]map[string]any, error) {
	var records []map[string]any
	if err := c.execute(ctx, mdl, "read", []any{ids}, map[string]any{"fields": fields}, &records); err != nil {
		return nil, err
	}
	return records, nil
}
