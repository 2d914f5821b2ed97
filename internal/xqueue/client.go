// Package xqueue is the authenticated HTTP client for the external
// submission queue. Every call is a single round trip on a cookie-backed
// session; the only in-client retry is the trailing-slash compensation for
// the queue's routing quirk.
package xqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gradeflow-systems/gradeflow/internal/envelope"
)

var (
	// ErrConnection indicates a transport-level failure (connection
	// refused, timeout). Never raised past this layer as anything else.
	ErrConnection = errors.New("cannot connect to server")

	// ErrUnexpectedStatus indicates a non-2xx response that survived the
	// slash retry. Terminal for the call; retrying is the consumer's job.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")

	// ErrQueueRejected indicates a well-formed reply whose success flag
	// or return code reported failure (for example an empty queue).
	ErrQueueRejected = errors.New("queue rejected request")
)

// Paths are the queue service endpoints, relative to the base URL.
type Paths struct {
	Login       string
	QueueLength string
	GetOne      string
	PutResult   string
}

// DefaultPaths matches the reference queue service's URL layout.
func DefaultPaths() Paths {
	return Paths{
		Login:       "/xqueue/login/",
		QueueLength: "/xqueue/get_queuelen/",
		GetOne:      "/xqueue/get_submission/",
		PutResult:   "/xqueue/put_result/",
	}
}

// Client talks to the queue service over one authenticated session.
type Client struct {
	baseURL    string
	paths      Paths
	username   string
	password   string
	httpClient *http.Client
}

// New constructs a Client. The request timeout bounds every round trip so
// a hung queue never wedges a drain past the next scheduled tick.
func New(baseURL, username, password string, timeout time.Duration, paths Paths) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		paths:    paths,
		username: username,
		password: password,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
	}, nil
}

// Login authenticates the session against the queue's login endpoint.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{
		"username": {c.username},
		"password": {c.password},
	}
	ok, content, err := c.postForm(ctx, c.baseURL+c.paths.Login, form)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !ok {
		return fmt.Errorf("login: %w: %s", ErrQueueRejected, string(content))
	}
	return nil
}

// FetchLength returns the number of items waiting on the named queue.
func (c *Client) FetchLength(ctx context.Context, queueName string) (int, error) {
	params := url.Values{"queue_name": {queueName}}
	ok, content, err := c.get(ctx, c.baseURL+c.paths.QueueLength, params)
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("queue length: %w: %s", ErrQueueRejected, string(content))
	}

	length, err := decodeLength(content)
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return length, nil
}

// FetchOne pulls a single item off the named queue and returns the raw
// queue-object JSON. The caller decodes it with the envelope codec.
func (c *Client) FetchOne(ctx context.Context, queueName string) ([]byte, error) {
	params := url.Values{"queue_name": {queueName}}
	ok, content, err := c.get(ctx, c.baseURL+c.paths.GetOne, params)
	if err != nil {
		return nil, fmt.Errorf("fetch submission: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("fetch submission: %w: %s", ErrQueueRejected, string(content))
	}

	// the queue object arrives as a JSON-encoded string inside the reply
	var inner string
	if err := json.Unmarshal(content, &inner); err != nil {
		return nil, fmt.Errorf("fetch submission: %w: content is not a string", envelope.ErrMalformedReply)
	}
	return []byte(inner), nil
}

// PostResult delivers a graded result back to the queue. header and body
// are the two independently JSON-encoded envelope halves.
func (c *Client) PostResult(ctx context.Context, headerJSON, bodyJSON string) (bool, string, error) {
	form := url.Values{
		"xqueue_header": {headerJSON},
		"xqueue_body":   {bodyJSON},
	}
	ok, content, err := c.postForm(ctx, c.baseURL+c.paths.PutResult, form)
	if err != nil {
		return false, err.Error(), err
	}
	return ok, string(content), nil
}

func (c *Client) get(ctx context.Context, rawURL string, params url.Values) (bool, json.RawMessage, error) {
	build := func(u string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		return req, nil
	}
	return c.exchange(rawURL, build)
}

func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values) (bool, json.RawMessage, error) {
	build := func(u string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}
	return c.exchange(rawURL, build)
}

// exchange performs one round trip, retrying exactly once against the
// slash-stripped URL when a trailing-slash URL comes back with a server
// error. This compensates for a routing quirk in the queue service, not a
// general retry policy.
func (c *Client) exchange(rawURL string, build func(string) (*http.Request, error)) (bool, json.RawMessage, error) {
	req, err := build(rawURL)
	if err != nil {
		return false, nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError && strings.HasSuffix(rawURL, "/") {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		retry, err := build(strings.TrimRight(rawURL, "/"))
		if err != nil {
			return false, nil, fmt.Errorf("build request: %w", err)
		}
		resp, err = c.httpClient.Do(retry)
		if err != nil {
			return false, nil, fmt.Errorf("%w: %v", ErrConnection, err)
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, nil, fmt.Errorf("%w: read body: %v", ErrConnection, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, nil, fmt.Errorf("%w [%d]", ErrUnexpectedStatus, resp.StatusCode)
	}

	return envelope.ParseReply(raw)
}

// decodeLength accepts a length reported as a JSON number or numeric string.
func decodeLength(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("%w: length %q is not an integer", envelope.ErrMalformedReply, s)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: unreadable length", envelope.ErrMalformedReply)
}
