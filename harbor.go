// Package harbor provides the official Go SDK for the Harbor social platform
// chat API.
//
// Covers account, direct messaging, conversations, friends and presence,
// plus a real-time sync engine that keeps a local conversation view
// consistent with the server.
//
// Example:
//
//	client := harbor.NewClient("hb-token-...")
//
//	// REST surface
//	auth, _ := client.Account.Login(ctx, &harbor.LoginOptions{...})
//	client.Direct.Send(ctx, "user-123", harbor.Draft{Body: "Hello!"})
//	client.ConversationsAPI.List(ctx, 50)
//
//	// Sync engine
//	session := client.NewSession(string(auth.UserID), nil)
//	session.Start(ctx)
package harbor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.harbor.social"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client

	Account          *AccountClient
	Direct           *DirectClient
	ConversationsAPI *ConversationsClient
	Friends          *FriendsClient
	Presence         *PresenceClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

// NewClient creates a new Harbor client.
// token is optional. Pass "" for registration and login, then call SetToken
// with the returned JWT.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:     token,
		baseURL:   DefaultBaseURL,
		userAgent: "harbor-go",
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Account = &AccountClient{client: c}
	c.Direct = &DirectClient{client: c}
	c.ConversationsAPI = &ConversationsClient{client: c}
	c.Friends = &FriendsClient{client: c}
	c.Presence = &PresenceClient{client: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current auth token.
func (c *Client) Token() string {
	return c.token
}

// NewSession creates a sync engine session backed by this client's REST
// surface. selfID is the authenticated user's id.
func (c *Client) NewSession(selfID string, cfg *SessionConfig) *Session {
	api := restAPI{c}
	return NewSession(api, api, selfID, cfg)
}

// Realtime creates the push channel client. Call Connect to establish the
// connection, and Session.AttachRealtime to feed its events into the engine.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:      c.baseURL,
		config:       &cfg,
		log:          cfg.Logger,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(cfg.Logger),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do performs a request and unwraps the Result envelope, turning server-side
// failures into an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("%s %s: request rejected", method, path)
	}
	return res, nil
}

func limitQuery(limit int) map[string]string {
	if limit <= 0 {
		return nil
	}
	return map[string]string{"limit": fmt.Sprintf("%d", limit)}
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AccountClient handles registration and identity.
type AccountClient struct{ client *Client }

func (a *AccountClient) Register(ctx context.Context, opts *RegisterOptions) (*AuthData, error) {
	res, err := a.client.do(ctx, "POST", "/api/auth/register", opts, nil)
	if err != nil {
		return nil, err
	}
	var auth AuthData
	if err := res.Decode(&auth); err != nil {
		return nil, fmt.Errorf("failed to decode auth data: %w", err)
	}
	return &auth, nil
}

func (a *AccountClient) Login(ctx context.Context, opts *LoginOptions) (*AuthData, error) {
	res, err := a.client.do(ctx, "POST", "/api/auth/login", opts, nil)
	if err != nil {
		return nil, err
	}
	var auth AuthData
	if err := res.Decode(&auth); err != nil {
		return nil, fmt.Errorf("failed to decode auth data: %w", err)
	}
	return &auth, nil
}

func (a *AccountClient) Me(ctx context.Context) (*MeData, error) {
	res, err := a.client.do(ctx, "GET", "/api/users/me", nil, nil)
	if err != nil {
		return nil, err
	}
	var me MeData
	if err := res.Decode(&me); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &me, nil
}

// DirectClient handles direct messaging.
type DirectClient struct{ client *Client }

// Send posts a message to a counterpart and returns the server's
// acknowledgment payload, which carries the authoritative id and timestamp.
func (d *DirectClient) Send(ctx context.Context, peerKey string, draft Draft) (MessagePayload, error) {
	if draft.Kind == "" {
		draft.Kind = KindText
	}
	res, err := d.client.do(ctx, "POST", "/api/chat/messages/"+peerKey, draft, nil)
	if err != nil {
		return MessagePayload{}, err
	}
	var ack MessagePayload
	if err := res.Decode(&ack); err != nil {
		return MessagePayload{}, fmt.Errorf("failed to decode send ack: %w", err)
	}
	return ack, nil
}

// History returns a conversation's messages, oldest first.
func (d *DirectClient) History(ctx context.Context, peerKey string, limit int) ([]MessagePayload, error) {
	res, err := d.client.do(ctx, "GET", "/api/chat/messages/"+peerKey, nil, limitQuery(limit))
	if err != nil {
		return nil, err
	}
	var msgs []MessagePayload
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return msgs, nil
}

// Unsend deletes a previously sent message for both parties.
func (d *DirectClient) Unsend(ctx context.Context, peerKey, messageID string) error {
	_, err := d.client.do(ctx, "DELETE", "/api/chat/messages/"+peerKey+"/"+messageID, nil, nil)
	return err
}

// ConversationsClient handles the conversation list.
type ConversationsClient struct{ client *Client }

// List returns the server-ordered conversation list, most recent first.
func (cv *ConversationsClient) List(ctx context.Context, limit int) ([]ConversationSummary, error) {
	res, err := cv.client.do(ctx, "GET", "/api/chat/conversations", nil, limitQuery(limit))
	if err != nil {
		return nil, err
	}
	var envelopes []conversationEnvelope
	if err := res.Decode(&envelopes); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	list := make([]ConversationSummary, 0, len(envelopes))
	for _, e := range envelopes {
		list = append(list, e.summary())
	}
	return list, nil
}

// MarkRead clears the server-side unread counter for a conversation.
func (cv *ConversationsClient) MarkRead(ctx context.Context, peerKey string) error {
	_, err := cv.client.do(ctx, "POST", "/api/chat/conversations/"+peerKey+"/read", nil, nil)
	return err
}

// FriendsClient handles the friends list.
type FriendsClient struct{ client *Client }

func (f *FriendsClient) List(ctx context.Context) ([]Friend, error) {
	res, err := f.client.do(ctx, "GET", "/api/friends", nil, nil)
	if err != nil {
		return nil, err
	}
	var friends []Friend
	if err := res.Decode(&friends); err != nil {
		return nil, fmt.Errorf("failed to decode friends: %w", err)
	}
	return friends, nil
}

func (f *FriendsClient) Request(ctx context.Context, peerKey string) error {
	_, err := f.client.do(ctx, "POST", "/api/friends/"+peerKey, nil, nil)
	return err
}

func (f *FriendsClient) Accept(ctx context.Context, peerKey string) error {
	_, err := f.client.do(ctx, "POST", "/api/friends/"+peerKey+"/accept", nil, nil)
	return err
}

func (f *FriendsClient) Remove(ctx context.Context, peerKey string) error {
	_, err := f.client.do(ctx, "DELETE", "/api/friends/"+peerKey, nil, nil)
	return err
}

// PresenceClient handles counterpart presence.
type PresenceClient struct{ client *Client }

func (p *PresenceClient) Status(ctx context.Context, peerKey string) (*IdentityStatus, error) {
	res, err := p.client.do(ctx, "GET", "/api/users/"+peerKey+"/status", nil, nil)
	if err != nil {
		return nil, err
	}
	var status IdentityStatus
	if err := res.Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	if status.PeerKey == "" {
		status.PeerKey = peerKey
	}
	return &status, nil
}

// ============================================================================
// Engine adapter
// ============================================================================

// restAPI adapts the sub-client surface to the interfaces the sync engine
// consumes.
type restAPI struct{ c *Client }

func (a restAPI) Conversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	return a.c.ConversationsAPI.List(ctx, limit)
}

func (a restAPI) History(ctx context.Context, peerKey string, limit int) ([]MessagePayload, error) {
	return a.c.Direct.History(ctx, peerKey, limit)
}

func (a restAPI) Send(ctx context.Context, peerKey string, draft Draft) (MessagePayload, error) {
	return a.c.Direct.Send(ctx, peerKey, draft)
}

func (a restAPI) MarkRead(ctx context.Context, peerKey string) error {
	return a.c.ConversationsAPI.MarkRead(ctx, peerKey)
}

func (a restAPI) Unsend(ctx context.Context, peerKey, messageID string) error {
	return a.c.Direct.Unsend(ctx, peerKey, messageID)
}

func (a restAPI) Status(ctx context.Context, peerKey string) (*IdentityStatus, error) {
	return a.c.Presence.Status(ctx, peerKey)
}

func (a restAPI) Friends(ctx context.Context) ([]Friend, error) {
	return a.c.Friends.List(ctx)
}
