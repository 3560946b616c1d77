package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/golang/snappy"

	"github.com/kimhsiao/nodesync/internal/config"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/sync/schema"
)

// DefaultRequestTimeout bounds one request when no timeout is configured.
const DefaultRequestTimeout = 15 * time.Second

// maxResponseBytes bounds response bodies read by the client.
const maxResponseBytes = 8 << 20

// ClientOptions configures a Client.
type ClientOptions struct {
	NodeID   string
	AuthHash string
	// Identity returns the local schema identity sent with every push.
	Identity    func() schema.Identity
	Compression config.Compression
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client sends pushes and heartbeats to peers.
type Client struct {
	opts ClientOptions
	http *http.Client
}

// NewClient creates a client.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.Identity == nil {
		opts.Identity = func() schema.Identity { return schema.Identity{} }
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{opts: opts, http: hc}
}

// Push sends one batch to peer and returns the per-event report together
// with the number of body bytes sent.
func (c *Client) Push(ctx context.Context, peer *models.SyncNode, req *PushRequest) (*PushResponse, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.ErrInternal, "failed to encode push", err)
	}
	headers := http.Header{}
	headers.Set(HeaderSession, req.SessionID)
	if c.opts.Compression == config.CompressionSnappy {
		body = snappy.Encode(nil, body)
		headers.Set("Content-Encoding", EncodingSnappy)
	}

	var resp PushResponse
	if err := c.do(ctx, http.MethodPost, peer.BaseURL()+"/api/sync/events", body, headers, &resp); err != nil {
		return nil, len(body), err
	}
	return &resp, len(body), nil
}

// Heartbeat posts self to addr and returns the peer's record.
func (c *Client) Heartbeat(ctx context.Context, addr string, self *models.SyncNode) (*models.SyncNode, error) {
	body, err := json.Marshal(self)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode node record", err)
	}
	var peer models.SyncNode
	if err := c.do(ctx, http.MethodPost, "http://"+addr+"/api/sync/heartbeat", body, nil, &peer); err != nil {
		return nil, err
	}
	return &peer, nil
}

// Leave tells the node at addr that this node is shutting down.
func (c *Client) Leave(ctx context.Context, addr string) error {
	return c.do(ctx, http.MethodPost, "http://"+addr+"/api/sync/leave", nil, nil, nil)
}

// Get fetches an authenticated JSON endpoint such as /api/sync/status.
func (c *Client) Get(ctx context.Context, addr, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, "http://"+addr+path, nil, nil, out)
}

// Post sends in as JSON to path on addr and decodes the answer into out.
func (c *Client) Post(ctx context.Context, addr, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode request", err)
	}
	return c.do(ctx, http.MethodPost, "http://"+addr+path, body, nil, out)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, extra http.Header, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	id := c.opts.Identity()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderNodeID, c.opts.NodeID)
	req.Header.Set(HeaderAuth, c.opts.AuthHash)
	req.Header.Set(HeaderSchemaVersion, id.Version)
	req.Header.Set(HeaderSchemaHash, id.Hash)
	req.Header.Set(HeaderSchemaMigration, id.MigrationName)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransportError(url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return responseError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "malformed response", err)
	}
	return nil
}

func classifyTransportError(url string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "request to "+url+" timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrSyncPeerUnreachable, "request to "+url+" failed", err)
}

// responseError maps a non-200 answer onto an error code. The reason of a
// schema rejection is kept in the message.
func responseError(status int, data []byte) error {
	var body ErrorResponse
	_ = json.Unmarshal(data, &body)
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch status {
	case http.StatusUnauthorized:
		return apperrors.New(apperrors.ErrSyncAuthFailed, msg)
	case http.StatusConflict:
		return &RejectedError{Status: schema.Status(body.Status), Reason: body.Reason}
	default:
		code := apperrors.ErrSyncFailed
		if body.Code != "" {
			code = apperrors.ErrorCode(body.Code)
		}
		return apperrors.Newf(code, "peer answered %d: %s", status, msg)
	}
}

// RejectedError is returned when a peer refuses a push on schema grounds.
type RejectedError struct {
	Status schema.Status
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("[%s] peer rejected schema (%s): %s", apperrors.ErrSyncSchemaIncompatible, e.Status, e.Reason)
}

// Unwrap exposes the SYNC_SCHEMA_INCOMPATIBLE code to apperrors.Is.
func (e *RejectedError) Unwrap() error {
	return apperrors.New(apperrors.ErrSyncSchemaIncompatible, e.Reason)
}
