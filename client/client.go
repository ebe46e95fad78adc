// Package client is a typed HTTP client for the REST API. Every response is
// decoded into an explicit struct and non-2xx answers become *apperr.Error.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/companion"
	"github.com/togetherinbloom/server/messaging"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/partner"
)

// Client talks to one server as at most one logged-in account.
type Client struct {
	baseURL string
	http    *http.Client

	mu        sync.RWMutex
	token     string
	accountID int64
}

// New creates a Client for baseURL (e.g. "http://localhost:8080"). A nil
// httpClient gets a 15s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token     string        `json:"token"`
	AccountID int64         `json:"account_id"`
	Profile   model.Profile `json:"profile"`
}

// Register creates an account and logs in as it.
func (c *Client) Register(ctx context.Context, email, password, displayName string) (*AuthResult, error) {
	var out AuthResult
	err := c.do(ctx, http.MethodPost, "/api/auth/register", map[string]string{
		"email": email, "password": password, "display_name": displayName,
	}, &out)
	if err != nil {
		return nil, err
	}
	c.setAuth(out.Token, out.AccountID)
	return &out, nil
}

// Login authenticates and keeps the session token.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	var out AuthResult
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email": email, "password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	c.setAuth(out.Token, out.AccountID)
	return &out, nil
}

// Logout ends the server session and forgets the token.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	c.setAuth("", 0)
	return err
}

// AccountID returns the logged-in account, or 0.
func (c *Client) AccountID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountID
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Profile returns the caller's profile.
func (c *Client) Profile(ctx context.Context) (*model.Profile, error) {
	var out struct {
		Profile model.Profile `json:"profile"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/profile", nil, &out); err != nil {
		return nil, err
	}
	return &out.Profile, nil
}

// CompleteOnboarding marks the caller's profile as onboarded.
func (c *Client) CompleteOnboarding(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/profile/onboarding", nil, nil)
}

// FetchConnections lists the caller's partner connections.
func (c *Client) FetchConnections(ctx context.Context) ([]partner.Connection, error) {
	var out struct {
		Connections []partner.Connection `json:"connections"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/partners", nil, &out); err != nil {
		return nil, err
	}
	return out.Connections, nil
}

// SendRequest asks the account registered under email to become a partner.
func (c *Client) SendRequest(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/api/partners/requests", map[string]string{"email": email}, nil)
}

// AcceptRequest accepts a pending request addressed to the caller.
func (c *Client) AcceptRequest(ctx context.Context, connectionID int64) error {
	return c.do(ctx, http.MethodPost, "/api/partners/"+strconv.FormatInt(connectionID, 10)+"/accept", nil, nil)
}

// DeclineRequest declines a pending request addressed to the caller.
func (c *Client) DeclineRequest(ctx context.Context, connectionID int64) error {
	return c.do(ctx, http.MethodPost, "/api/partners/"+strconv.FormatInt(connectionID, 10)+"/decline", nil, nil)
}

// FetchMessages returns the full conversation with partnerID.
func (c *Client) FetchMessages(ctx context.Context, partnerID int64) ([]model.Message, error) {
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+strconv.FormatInt(partnerID, 10), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// FetchPage returns one page of the conversation older than cursor.
func (c *Client) FetchPage(ctx context.Context, partnerID int64, cursor string, limit int) (*messaging.Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out messaging.Page
	path := "/api/messages/" + strconv.FormatInt(partnerID, 10) + "?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a message to receiverID. clientRef makes retries
// idempotent.
func (c *Client) SendMessage(ctx context.Context, receiverID int64, content, clientRef string) error {
	_, err := c.PostMessage(ctx, receiverID, content, clientRef)
	return err
}

// PostMessage is SendMessage returning the stored message.
func (c *Client) PostMessage(ctx context.Context, receiverID int64, content, clientRef string) (*model.Message, error) {
	var out struct {
		Message model.Message `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "/api/messages", map[string]interface{}{
		"receiver_id": receiverID, "content": content, "client_ref": clientRef,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// UnreadCount returns the number of unread messages addressed to the caller.
func (c *Client) UnreadCount(ctx context.Context) (int64, error) {
	var out struct {
		Unread int64 `json:"unread"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/messages/unread", nil, &out); err != nil {
		return 0, err
	}
	return out.Unread, nil
}

// Companion asks the AI companion for a reply.
func (c *Client) Companion(ctx context.Context, message string, history []companion.Turn) (string, error) {
	if history == nil {
		history = []companion.Turn{}
	}
	var out struct {
		Response string `json:"response"`
	}
	err := c.do(ctx, http.MethodPost, "/api/companion", map[string]interface{}{
		"message": message, "history": history,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Response, nil
}

func (c *Client) setAuth(token string, accountID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.accountID = accountID
}

type errorBody struct {
	Error string      `json:"error"`
	Code  apperr.Code `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.CodeValidation, "encode request", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeUpstream, "request failed", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return apperr.Wrap(apperr.CodeUpstream, "read response", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		code := eb.Code
		if code == "" {
			code = codeForStatus(res.StatusCode)
		}
		msg := eb.Error
		if msg == "" {
			msg = fmt.Sprintf("%s %s: status %d", method, path, res.StatusCode)
		}
		return apperr.WithStatus(code, res.StatusCode, msg)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.CodeUpstream, "decode response", err)
	}
	return nil
}

func codeForStatus(status int) apperr.Code {
	switch status {
	case http.StatusBadRequest:
		return apperr.CodeValidation
	case http.StatusUnauthorized:
		return apperr.CodeUnauthorized
	case http.StatusForbidden:
		return apperr.CodeForbidden
	case http.StatusNotFound:
		return apperr.CodeNotFound
	case http.StatusConflict:
		return apperr.CodeConflict
	default:
		return apperr.CodeUpstream
	}
}
