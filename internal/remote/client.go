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

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// APIPrefix is the path prefix of the entity API.
const APIPrefix = "/v1"

// maxErrorBody bounds how much of an error response is kept in the message.
const maxErrorBody = 512

// Client talks to a remote entity service over JSON/HTTP.
//
//	GET    /v1/{type}/{id}  -> RemoteRecord
//	POST   /v1/{type}/{id}  RemoteRecord -> Ack
//	PUT    /v1/{type}/{id}  RemoteRecord -> Ack
//	DELETE /v1/{type}/{id}  -> Ack
//
// Transport failures and 5xx answers wrap types.ErrTransientNetwork; 404
// wraps types.ErrNotFound.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ types.RemoteService = (*Client)(nil)

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Fetch implements types.RemoteService.
func (c *Client) Fetch(ctx context.Context, entityType, id string) (*types.RemoteRecord, error) {
	var rec types.RemoteRecord
	if err := c.do(ctx, http.MethodGet, entityType, id, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create implements types.RemoteService.
func (c *Client) Create(ctx context.Context, entityType string, rec *types.RemoteRecord) (types.Ack, error) {
	return c.write(ctx, http.MethodPost, entityType, rec)
}

// Update implements types.RemoteService.
func (c *Client) Update(ctx context.Context, entityType string, rec *types.RemoteRecord) (types.Ack, error) {
	return c.write(ctx, http.MethodPut, entityType, rec)
}

// Delete implements types.RemoteService.
func (c *Client) Delete(ctx context.Context, entityType string, rec *types.RemoteRecord) (types.Ack, error) {
	if rec == nil {
		return types.Ack{}, types.ErrInvalidData
	}
	var ack types.Ack
	err := c.do(ctx, http.MethodDelete, entityType, rec.ID, nil, &ack)
	return ack, err
}

func (c *Client) write(ctx context.Context, method, entityType string, rec *types.RemoteRecord) (types.Ack, error) {
	if rec == nil {
		return types.Ack{}, types.ErrInvalidData
	}
	var ack types.Ack
	err := c.do(ctx, method, entityType, rec.ID, rec, &ack)
	return ack, err
}

func (c *Client) do(ctx context.Context, method, entityType, id string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encoding request: %v", types.ErrInvalidData, err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := c.baseURL + APIPrefix + "/" + url.PathEscape(entityType) + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", types.ErrTransientNetwork, method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: decoding response: %v", types.ErrTransientNetwork, err)
		}
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(msg))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: remote %s/%s", types.ErrNotFound, entityType, id)
	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s %s returned %d: %s", types.ErrTransientNetwork, method, endpoint, resp.StatusCode, detail)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: remote rejected %s/%s: %s", types.ErrInvalidData, entityType, id, detail)
	default:
		return fmt.Errorf("%s %s returned %d: %s", method, endpoint, resp.StatusCode, detail)
	}
}
