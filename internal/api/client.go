package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	refreshEndpoint = "/api/auth/refresh/"

	defaultTimeout = 15 * time.Second
)

// TokenPair is the result of a login or refresh exchange. Refresh may be
// empty when the server did not rotate the refresh token.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Credentials exposes the current tokens. Implemented by auth.Manager.
type Credentials interface {
	AccessToken() string
	RefreshToken() string
}

// RefreshHandler receives refresh outcomes. Implemented by auth.Manager.
type RefreshHandler interface {
	// ApplyRefreshedTokens installs a freshly minted pair into the live
	// session. An empty Refresh keeps the old refresh token.
	ApplyRefreshedTokens(pair TokenPair)
	// SessionExpired is called when authorization is terminally lost:
	// either the refresh endpoint rejected the refresh token, or a
	// retried request still came back 401.
	SessionExpired()
}

// Response is a parsed 2xx reply.
type Response struct {
	Status int
	Data   json.RawMessage
}

func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Client performs authenticated requests with a transparent, de-duplicated
// token refresh on 401. All refresh state lives on the Client so multiple
// independent clients can coexist in one process.
type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	handler RefreshHandler
	log     *slog.Logger

	mu       sync.Mutex
	inflight *refreshCall
}

// refreshCall is the shared future every concurrent 401 observer awaits.
type refreshCall struct {
	done chan struct{}
	pair TokenPair
	err  error
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL string, creds Credentials, handler RefreshHandler, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		creds:   creds,
		handler: handler,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs one logical JSON call. When authed is true and a token is
// available it is attached as a bearer; a 401 then triggers at most one
// refresh and one retry before failing terminally.
func (c *Client) Do(ctx context.Context, method, endpoint string, body any, authed bool) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}
	send := func(token string) (*http.Response, error) {
		return c.send(ctx, method, endpoint, bytes.NewReader(payload), "application/json", token)
	}
	return c.roundTrip(ctx, send, authed)
}

// DoMultipart follows the same refresh/retry contract but sends a multipart
// body. The Content-Type comes from the form writer since it carries the
// boundary.
func (c *Client) DoMultipart(ctx context.Context, method, endpoint string, form *Form, authed bool) (*Response, error) {
	payload, contentType, err := form.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode multipart body: %w", err)
	}
	send := func(token string) (*http.Response, error) {
		return c.send(ctx, method, endpoint, bytes.NewReader(payload), contentType, token)
	}
	return c.roundTrip(ctx, send, authed)
}

func (c *Client) roundTrip(ctx context.Context, send func(token string) (*http.Response, error), authed bool) (*Response, error) {
	token := ""
	if authed && c.creds != nil {
		token = c.creds.AccessToken()
	}

	resp, err := send(token)
	if err != nil {
		return nil, networkError(err)
	}
	body, readErr := readBody(resp)
	if readErr != nil {
		return nil, networkError(readErr)
	}

	if resp.StatusCode != http.StatusUnauthorized || token == "" || c.handler == nil {
		return finish(resp.StatusCode, body)
	}

	// 401 with a token attached: run (or join) the single in-flight
	// refresh, then retry exactly once.
	refreshToken := c.creds.RefreshToken()
	if refreshToken == "" {
		return finish(resp.StatusCode, body)
	}

	pair, err := c.awaitRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	retry, err := send(pair.Access)
	if err != nil {
		return nil, networkError(err)
	}
	retryBody, readErr := readBody(retry)
	if readErr != nil {
		return nil, networkError(readErr)
	}
	if retry.StatusCode == http.StatusUnauthorized {
		// The retry itself was rejected. Never refresh twice.
		c.handler.SessionExpired()
		e := normalizeBody(retry.StatusCode, retryBody)
		e.Kind = KindAuthExpired
		return nil, e
	}
	return finish(retry.StatusCode, retryBody)
}

// Refresh forces a token refresh through the same single-flight path the 401
// handling uses. The proactive refresh timer calls this.
func (c *Client) Refresh(ctx context.Context) error {
	refreshToken := ""
	if c.creds != nil {
		refreshToken = c.creds.RefreshToken()
	}
	if refreshToken == "" {
		return &Error{Kind: KindRefreshFailed, Message: "no refresh token"}
	}
	_, err := c.awaitRefresh(ctx, refreshToken)
	return err
}

// awaitRefresh joins the in-flight refresh if one exists, otherwise starts
// one. At most one refresh network call exists at any instant.
func (c *Client) awaitRefresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	c.mu.Lock()
	call := c.inflight
	if call == nil {
		call = &refreshCall{done: make(chan struct{})}
		c.inflight = call
		go c.runRefresh(call, refreshToken)
	}
	c.mu.Unlock()

	select {
	case <-call.done:
		return call.pair, call.err
	case <-ctx.Done():
		return TokenPair{}, networkError(ctx.Err())
	}
}

func (c *Client) runRefresh(call *refreshCall, refreshToken string) {
	defer func() {
		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
		close(call.done)
	}()

	// The refresh itself gets its own deadline; callers waiting on the
	// shared future may have shorter contexts of their own.
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()

	payload, _ := json.Marshal(map[string]string{"refresh": refreshToken})
	resp, err := c.send(ctx, http.MethodPost, refreshEndpoint, bytes.NewReader(payload), "application/json", "")
	if err != nil {
		call.err = networkError(err)
		return
	}
	body, err := readBody(resp)
	if err != nil {
		call.err = networkError(err)
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("token refresh rejected", "status", resp.StatusCode)
		c.handler.SessionExpired()
		e := normalizeBody(resp.StatusCode, body)
		e.Kind = KindRefreshFailed
		call.err = e
		return
	}

	var pair TokenPair
	if err := json.Unmarshal(body, &pair); err != nil || pair.Access == "" {
		c.handler.SessionExpired()
		call.err = &Error{Kind: KindRefreshFailed, Message: "malformed refresh response", Err: err}
		return
	}

	c.handler.ApplyRefreshedTokens(pair)
	c.log.Debug("access token refreshed")
	call.pair = pair
}

func (c *Client) send(ctx context.Context, method, endpoint string, body io.Reader, contentType, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return c.http.Do(req)
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func finish(status int, body []byte) (*Response, error) {
	if status < 200 || status >= 300 {
		return nil, normalizeBody(status, body)
	}
	return &Response{Status: status, Data: body}, nil
}

// Endpoint joins a path with optional query values, for endpoints taking
// filters.
func Endpoint(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}
