package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote"
)

// maxBodyBytes bounds any response body read.
const maxBodyBytes = 4 << 20

// Client is a remote.Store over HTTP.
type Client struct {
	base  *url.URL
	http  *http.Client
	creds remote.Credentials
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithCredentials sets the bearer token source, consulted on every send.
func WithCredentials(creds remote.Credentials) ClientOption {
	return func(c *Client) {
		c.creds = creds
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}
	c := &Client{base: u, http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit posts op and classifies the response.
func (c *Client) Submit(ctx context.Context, op model.Operation) (remote.Receipt, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return remote.Receipt{}, remote.Permanent("encode operation: %v", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.base.JoinPath(pathOperations).String(), body)
	if err != nil {
		return remote.Receipt{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		var r remote.Receipt
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&r); err != nil {
			// The server may have applied the operation; a resend is safe.
			return remote.Receipt{}, remote.Transient(fmt.Errorf("decode receipt: %w", err))
		}
		return r, nil
	}
	return remote.Receipt{}, classify(resp)
}

// Fetch returns the server copy of a record.
func (c *Client) Fetch(ctx context.Context, et model.EntityType, id string) (model.Record, error) {
	resp, err := c.do(ctx, http.MethodGet, c.base.JoinPath(pathRecords, string(et), id).String(), nil)
	if err != nil {
		return model.Record{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var rec model.Record
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&rec); err != nil {
			return model.Record{}, remote.Transient(fmt.Errorf("decode record: %w", err))
		}
		return rec, nil
	case http.StatusNotFound:
		return model.Record{}, remote.ErrNotFound
	}
	return model.Record{}, classify(resp)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, remote.Permanent("build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		token, err := c.creds.Token(ctx)
		if err != nil {
			return nil, remote.Unauthorized(err.Error())
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, remote.Transient(err)
	}
	return resp, nil
}

// classify turns a non-success response into a *remote.Error.
func classify(resp *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}
	msg := body.Message
	if msg == "" {
		msg = resp.Status
	}

	switch code := resp.StatusCode; {
	case code == http.StatusConflict:
		if body.Record == nil {
			return remote.Transient(errors.New("conflict response without a record"))
		}
		return remote.Conflict(*body.Record)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return remote.Unauthorized(msg)
	case code == http.StatusTooManyRequests:
		return remote.RateLimited(retryAfter(resp.Header.Get("Retry-After")))
	case code == http.StatusRequestTimeout || code >= 500:
		return remote.Transient(fmt.Errorf("server returned %s: %s", resp.Status, msg))
	default:
		return remote.Permanent("server returned %s: %s", resp.Status, msg)
	}
}

// retryAfter parses a Retry-After header in delay-seconds or HTTP-date form.
func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

var (
	_ remote.Store   = (*Client)(nil)
	_ remote.Fetcher = (*Client)(nil)
)
