// Package chatapi talks to the REST side of the chat backend: conversation
// list, message history and durable message writes. Every response is
// normalized into the canonical chat model before it leaves this package.
package chatapi

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

	"github.com/rs/zerolog"

	"medchat/internal/chat"
	"medchat/internal/session"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 4 << 20
)

var errInvalidConversationID = errors.New("conversation id is empty")

type Client struct {
	baseURL string
	tokens  session.TokenSource
	http    *http.Client
	viewer  chat.Role
	logger  zerolog.Logger
	now     func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithViewer sets the local role, used to pick the counterpart name out of
// conversation records.
func WithViewer(r chat.Role) Option {
	return func(c *Client) { c.viewer = r }
}

func NewClient(baseURL string, tokens session.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: defaultTimeout},
		viewer:  chat.RolePatient,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations returns the caller's conversations in backend order.
// Unexpected envelopes yield an empty list, not an error.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	const op = "list conversations"
	body, status, err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, true)
	if err != nil {
		return nil, &chat.FetchError{Op: op, Err: err}
	}
	if !success(status) {
		return nil, &chat.FetchError{Op: op, Status: status, Err: apiError(body)}
	}

	items, found := unwrapList(body)
	if !found {
		c.logger.Warn().Str("op", op).Str("body", preview(body)).Msg("unexpected response envelope")
		return []chat.Conversation{}, nil
	}

	convs := make([]chat.Conversation, 0, len(items))
	for _, item := range items {
		conv, err := chat.DecodeConversation(item, c.viewer)
		if err != nil {
			c.logger.Warn().Err(err).Str("op", op).Msg("skipping conversation")
			continue
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

type PageOption func(url.Values)

// WithPage passes page/size through to the backend.
func WithPage(page, size int) PageOption {
	return func(q url.Values) {
		q.Set("page", strconv.Itoa(page))
		q.Set("size", strconv.Itoa(size))
	}
}

// GetHistory returns one conversation's messages ordered by timestamp.
func (c *Client) GetHistory(ctx context.Context, conversationID string, opts ...PageOption) ([]chat.Message, error) {
	const op = "get history"
	if strings.TrimSpace(conversationID) == "" {
		return nil, &chat.FetchError{Op: op, Err: errInvalidConversationID}
	}

	q := url.Values{}
	for _, opt := range opts {
		opt(q)
	}
	body, status, err := c.do(ctx, http.MethodGet, messagesPath(conversationID), q, nil, true)
	if err != nil {
		return nil, &chat.FetchError{Op: op, Err: err}
	}
	if !success(status) {
		return nil, &chat.FetchError{Op: op, Status: status, Err: apiError(body)}
	}

	items, found := unwrapList(body)
	if !found {
		c.logger.Warn().Str("op", op).Str("conversation", conversationID).Str("body", preview(body)).Msg("unexpected response envelope")
		return []chat.Message{}, nil
	}

	now := c.now()
	msgs := make([]chat.Message, 0, len(items))
	for _, item := range items {
		msg, err := chat.DecodeMessage(item, now)
		if err != nil {
			c.logger.Warn().Err(err).Str("op", op).Str("conversation", conversationID).Msg("skipping message")
			continue
		}
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		msgs = append(msgs, msg)
	}
	chat.SortByTime(msgs)
	return msgs, nil
}

// SubmitMessage performs the durable write and returns the server record.
func (c *Client) SubmitMessage(ctx context.Context, sub chat.Submission) (chat.Message, error) {
	if strings.TrimSpace(sub.ConversationID) == "" {
		return chat.Message{}, &chat.SubmitError{Err: errInvalidConversationID}
	}

	payload := map[string]string{
		"content":     sub.Content,
		"sender_type": string(sub.SenderRole),
	}
	if sub.CorrelationID != "" {
		payload["correlation_id"] = sub.CorrelationID
	}
	body, status, err := c.do(ctx, http.MethodPost, messagesPath(sub.ConversationID), nil, payload, true)
	if err != nil {
		return chat.Message{}, &chat.SubmitError{Err: err}
	}
	if !success(status) {
		return chat.Message{}, &chat.SubmitError{Status: status, Err: apiError(body)}
	}

	msg, err := chat.DecodeMessage(unwrapObject(body), c.now())
	if err != nil {
		return chat.Message{}, &chat.SubmitError{Status: status, Err: err}
	}
	if msg.ConversationID == "" {
		msg.ConversationID = sub.ConversationID
	}
	if msg.SenderRole == "" {
		msg.SenderRole = sub.SenderRole
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = sub.CorrelationID
	}
	return msg, nil
}

// CreateConversation opens a thread with a doctor, optionally tied to an
// appointment. The backend returns the existing thread if there is one.
func (c *Client) CreateConversation(ctx context.Context, doctorID, appointmentID string) (chat.Conversation, error) {
	const op = "create conversation"
	payload := map[string]string{"doctor_id": doctorID}
	if appointmentID != "" {
		payload["appointment_id"] = appointmentID
	}
	body, status, err := c.do(ctx, http.MethodPost, "/api/conversations", nil, payload, true)
	if err != nil {
		return chat.Conversation{}, &chat.FetchError{Op: op, Err: err}
	}
	if !success(status) {
		return chat.Conversation{}, &chat.FetchError{Op: op, Status: status, Err: apiError(body)}
	}
	conv, err := chat.DecodeConversation(unwrapObject(body), c.viewer)
	if err != nil {
		return chat.Conversation{}, &chat.FetchError{Op: op, Status: status, Err: err}
	}
	return conv, nil
}

type LoginResponse struct {
	AccessToken string      `json:"access_token"`
	ID          chat.FlexID `json:"id"`
	Username    string      `json:"username"`
	Role        string      `json:"role"`
}

func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/login", nil, map[string]string{
		"username": username,
		"password": password,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if !success(status) {
		return nil, fmt.Errorf("login: status %d: %w", status, apiError(body))
	}
	res := &LoginResponse{}
	if err := json.Unmarshal(unwrapObject(body), res); err != nil {
		return nil, fmt.Errorf("login: decode response: %w", err)
	}
	if res.AccessToken == "" {
		return nil, fmt.Errorf("login: %w", chat.ErrAuthMissing)
	}
	return res, nil
}

func (c *Client) Register(ctx context.Context, username, password string, role chat.Role) error {
	body, status, err := c.do(ctx, http.MethodPost, "/register", nil, map[string]string{
		"username": username,
		"password": password,
		"role":     string(role),
	}, false)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if !success(status) {
		return fmt.Errorf("register: status %d: %w", status, apiError(body))
	}
	return nil
}

// do runs one round trip. A missing token fails before any request is sent.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, auth bool) ([]byte, int, error) {
	var token string
	if auth {
		var err error
		if token, err = c.tokens.Token(ctx); err != nil {
			return nil, 0, err
		}
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func messagesPath(conversationID string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
}

func success(status int) bool {
	return status >= 200 && status < 300
}
