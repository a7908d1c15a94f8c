// Package automation talks to an external automation bridge that owns the
// remote browser sessions. Each task gets its own session.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"groupscan/internal/core"
)

// Config points the bridge client at a bridge instance.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries uint

	// RetryBackoff is the first wait between listing retries.
	RetryBackoff time.Duration
}

// StatusError is returned for non-2xx bridge responses.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bridge %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("bridge %s: status %d: %s", e.Op, e.Code, e.Message)
}

// Temporary reports whether retrying the call may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Bridge creates sessions against the automation bridge.
type Bridge struct {
	baseURL    *url.URL
	token      string
	maxRetries uint
	retryWait  time.Duration
	client     *http.Client
	logger     *slog.Logger
}

// NewBridge validates cfg and returns a Bridge.
func NewBridge(cfg Config, logger *slog.Logger) (*Bridge, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("bridge url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid bridge url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		baseURL:    u,
		token:      cfg.Token,
		maxRetries: cfg.MaxRetries,
		retryWait:  cfg.RetryBackoff,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "automation"),
	}, nil
}

// NewClient returns a fresh session-backed client. It satisfies core.ClientFactory.
func (b *Bridge) NewClient(account core.Account) core.AutomationClient {
	return &session{bridge: b, account: account}
}

var _ core.ClientFactory = (*Bridge)(nil)

type session struct {
	bridge  *Bridge
	account core.Account
	id      string
}

type createSessionRequest struct {
	AccountID string `json:"account_id"`
	Label     string `json:"label"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type listItemsResponse struct {
	Items []core.Item `json:"items"`
}

type replyRequest struct {
	SourceURL  string `json:"source_url"`
	Message    string `json:"message"`
	MediaRef   string `json:"media_ref,omitempty"`
	Visibility string `json:"visibility,omitempty"`
}

func (s *session) Authenticate(ctx context.Context, account core.Account) error {
	var resp createSessionResponse
	err := s.bridge.do(ctx, "authenticate", http.MethodPost, "/v1/sessions", nil,
		createSessionRequest{AccountID: account.ID, Label: account.Label}, &resp)
	if err != nil {
		return err
	}
	if resp.SessionID == "" {
		return errors.New("bridge authenticate: empty session id")
	}
	s.id = resp.SessionID
	s.account = account
	s.bridge.logger.Debug("session opened", "session_id", s.id, "account_id", account.ID)
	return nil
}

// ListTargetItems is idempotent on the bridge side, so transient failures are
// retried with exponential backoff.
func (s *session) ListTargetItems(ctx context.Context, target core.Target, limit int) ([]core.Item, error) {
	if s.id == "" {
		return nil, errors.New("bridge list items: not authenticated")
	}
	query := url.Values{}
	query.Set("target_url", target.URL)
	query.Set("limit", strconv.Itoa(limit))
	path := "/v1/sessions/" + url.PathEscape(s.id) + "/items"

	op := func() ([]core.Item, error) {
		var resp listItemsResponse
		if err := s.bridge.do(ctx, "list items", http.MethodGet, path, query, nil, &resp); err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.Temporary() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp.Items, nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.bridge.retryWait
	items, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.bridge.maxRetries),
	)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// PerformReply is not retried: a timed-out reply may still have been posted.
func (s *session) PerformReply(ctx context.Context, req core.ReplyRequest) error {
	if s.id == "" {
		return errors.New("bridge reply: not authenticated")
	}
	path := "/v1/sessions/" + url.PathEscape(s.id) + "/replies"
	return s.bridge.do(ctx, "reply", http.MethodPost, path, nil, replyRequest{
		SourceURL:  req.SourceURL,
		Message:    req.Message,
		MediaRef:   req.MediaRef,
		Visibility: string(req.Visibility),
	}, nil)
}

func (s *session) Close() error {
	if s.id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.bridge.do(ctx, "close", http.MethodDelete, "/v1/sessions/"+url.PathEscape(s.id), nil, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		err = nil
	}
	s.id = ""
	return err
}

func (b *Bridge) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	u := *b.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("bridge %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("bridge %s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Code: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bridge %s: decode response: %w", op, err)
	}
	return nil
}

// readErrorMessage understands {"error":{"message":...}} and falls back to the raw body.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(data))
}
