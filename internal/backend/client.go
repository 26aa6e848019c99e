package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/google/uuid"
)

// maxBodySize caps how much of a response body is read (1MB).
const maxBodySize = 1 << 20

// Endpoint paths of the agent API.
const (
	PathConversation   = "/get-conversation-history"
	PathWorkflowState  = "/get-workflow-state"
	PathSendPrompt     = "/send-prompt"
	PathStartWorkflow  = "/start-workflow"
	PathEndChat        = "/end-chat"
	PathConfirm        = "/confirm"
	PathTemporalStatus = "/get-temporal-status"
	PathToolData       = "/tool-data"
)

// Client talks to the agent API over HTTP.
type Client struct {
	baseURL        string
	http           *http.Client
	fetchTimeout   time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeouts sets the bound for read-only fetches and for mutating requests.
func WithTimeouts(fetch, request time.Duration) Option {
	return func(c *Client) {
		if fetch > 0 {
			c.fetchTimeout = fetch
		}
		if request > 0 {
			c.requestTimeout = request
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{},
		fetchTimeout:   5 * time.Second,
		requestTimeout: 15 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// FetchConversation returns the conversation history. A 404 or a timeout is
// reported as a Missing conversation rather than an error.
func (c *Client) FetchConversation(ctx context.Context) (domain.Conversation, error) {
	const op = "fetch conversation"
	body, err := c.do(ctx, op, http.MethodGet, PathConversation, c.fetchTimeout)
	if err != nil {
		if IsKind(err, KindNotFound) || IsKind(err, KindTimeout) {
			c.logger.Debug("conversation not available yet", "reason", KindOf(err))
			return domain.Conversation{Missing: true}, nil
		}
		return domain.Conversation{}, err
	}

	msgs, err := decodeMessages(body)
	if err != nil {
		return domain.Conversation{}, &Error{Op: op, Kind: KindTransport, Err: err}
	}
	return domain.Conversation{Messages: msgs}, nil
}

// decodeMessages accepts {"messages": [...]}, a bare array, or null.
func decodeMessages(body []byte) ([]domain.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var msgs []domain.RawMessage
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, fmt.Errorf("decode message array: %w", err)
		}
		return msgs, nil
	}

	var envelope struct {
		Messages []domain.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return envelope.Messages, nil
}

// queryHandlerMissing matches the detail Temporal reports when the workflow
// is running but its query handler is not yet registered.
func queryHandlerMissing(detail string) bool {
	d := strings.ToLower(detail)
	return strings.Contains(d, "query handler") || strings.Contains(d, "unknown querytype")
}

// FetchSessionState returns whether a backend session exists.
//
// A 404 means no session. A 500 whose detail says the query handler is
// missing conservatively means the session exists with an unknown message
// count. Any other failure yields Exists=false together with the error.
func (c *Client) FetchSessionState(ctx context.Context) (domain.SessionState, error) {
	const op = "fetch session state"
	body, err := c.do(ctx, op, http.MethodGet, PathWorkflowState, c.fetchTimeout)
	if err != nil {
		var be *Error
		if errors.As(err, &be) {
			switch {
			case be.Kind == KindNotFound:
				return domain.SessionState{}, nil
			case be.Status == http.StatusInternalServerError && queryHandlerMissing(be.Detail):
				return domain.SessionState{Exists: true, MessageCount: domain.UnknownMessageCount}, nil
			}
		}
		return domain.SessionState{}, err
	}

	var payload struct {
		Exists                 *bool `json:"exists"`
		MessageCount           int   `json:"message_count"`
		ContinuedFromPrevious  bool  `json:"continued_from_previous"`
		WaitingForConfirm      bool  `json:"waiting_for_confirm"`
		MaxTurnsBeforeContinue int   `json:"max_turns_before_continue"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.SessionState{}, &Error{Op: op, Kind: KindTransport, Err: err}
	}

	// A successful query implies a running workflow even if the payload omits the flag.
	exists := payload.Exists == nil || *payload.Exists
	return domain.SessionState{
		Exists:                 exists,
		MessageCount:           payload.MessageCount,
		ContinuedFromPrevious:  payload.ContinuedFromPrevious,
		WaitingForConfirm:      payload.WaitingForConfirm,
		MaxTurnsBeforeContinue: payload.MaxTurnsBeforeContinue,
	}, nil
}

// SendPrompt delivers a user message to the agent.
func (c *Client) SendPrompt(ctx context.Context, prompt string) error {
	path := PathSendPrompt + "?" + url.Values{"prompt": {prompt}}.Encode()
	_, err := c.do(ctx, "send prompt", http.MethodPost, path, c.requestTimeout)
	return err
}

// StartSession creates a new backend session.
func (c *Client) StartSession(ctx context.Context) error {
	_, err := c.do(ctx, "start session", http.MethodPost, PathStartWorkflow, c.requestTimeout)
	return err
}

// EndSession asks the backend to end the current session. Callers are
// expected to tolerate errors since there may be no session to end.
func (c *Client) EndSession(ctx context.Context) error {
	_, err := c.do(ctx, "end session", http.MethodPost, PathEndChat, c.requestTimeout)
	return err
}

// Confirm approves the pending tool call.
func (c *Client) Confirm(ctx context.Context) error {
	_, err := c.do(ctx, "confirm", http.MethodPost, PathConfirm, c.requestTimeout)
	return err
}

// TemporalStatus is the backend's view of workflow engine health.
type TemporalStatus struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// FetchTemporalStatus asks the backend whether the workflow engine is
// reachable. Backends without the status endpoint are probed at the root.
func (c *Client) FetchTemporalStatus(ctx context.Context, timeout time.Duration) (TemporalStatus, error) {
	body, err := c.do(ctx, "temporal status", http.MethodGet, PathTemporalStatus, timeout)
	if IsKind(err, KindNotFound) {
		if _, rootErr := c.do(ctx, "service root", http.MethodGet, "/", timeout); rootErr != nil {
			return TemporalStatus{Error: rootErr.Error()}, rootErr
		}
		return TemporalStatus{Available: true}, nil
	}
	if err != nil {
		return TemporalStatus{Error: err.Error()}, err
	}

	var status TemporalStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return TemporalStatus{}, &Error{Op: "temporal status", Kind: KindTransport, Err: err}
	}
	return status, nil
}

// FetchToolData returns the pending tool call, or nil when there is none.
func (c *Client) FetchToolData(ctx context.Context) (*domain.ToolData, error) {
	body, err := c.do(ctx, "fetch tool data", http.MethodGet, PathToolData, c.fetchTimeout)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil, nil
		}
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return nil, nil
	}

	var td domain.ToolData
	if err := json.Unmarshal(trimmed, &td); err != nil {
		return nil, &Error{Op: "fetch tool data", Kind: KindTransport, Err: err}
	}
	if td.Tool == "" && td.Next == "" {
		return nil, nil
	}
	return &td, nil
}

// do performs one request bounded by timeout and classifies failures.
func (c *Client) do(ctx context.Context, op, method, path string, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, &Error{Op: op, Kind: KindTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return nil, &Error{Op: op, Kind: KindTimeout, Code: CodeTimeout, Err: err}
		}
		return nil, &Error{Op: op, Kind: KindTransport, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "op", op, "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return nil, &Error{Op: op, Kind: KindTimeout, Code: CodeTimeout, Status: resp.StatusCode, Err: err}
		}
		return nil, &Error{Op: op, Kind: KindTransport, Status: resp.StatusCode, Err: err}
	}

	c.logger.Debug("backend request",
		"op", op,
		"method", method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Op: op, Kind: KindNotFound, Status: resp.StatusCode, Code: resp.StatusCode, Detail: errorDetail(body)}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, &Error{Op: op, Kind: KindTimeout, Status: resp.StatusCode, Code: CodeTimeout, Detail: errorDetail(body)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{Op: op, Kind: KindBackend, Status: resp.StatusCode, Code: resp.StatusCode, Detail: errorDetail(body)}
	}

	// Acknowledgements can carry an explicit error field with a 200 status.
	if method == http.MethodPost {
		if detail := payloadError(body); detail != "" {
			return nil, &Error{Op: op, Kind: KindBackend, Status: resp.StatusCode, Code: resp.StatusCode, Detail: detail}
		}
	}
	return body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// errorDetail extracts FastAPI's {"detail": ...} or {"error": ...} message.
func errorDetail(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, key := range []string{"detail", "error", "message"} {
		switch v := payload[key].(type) {
		case string:
			return v
		case nil:
		default:
			b, _ := json.Marshal(v)
			return string(b)
		}
	}
	return ""
}

func payloadError(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if v, ok := payload["error"].(string); ok && v != "" {
		return v
	}
	return ""
}
