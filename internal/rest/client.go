// Package rest is the client for the durable half of the server
// contract. The stream delivers events; everything that must survive a
// page reload goes through here.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"vestnik/internal/config"
	"vestnik/internal/models"
)

// APIError is a non-2xx response. It is an application error: callers
// surface it to the user, the transport layer never retries it.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Message)
}

type Client struct {
	base string
	sess config.Session
	http *http.Client
}

func NewClient(cfg *config.Config, sess config.Session) *Client {
	return &Client{
		base: cfg.APIBaseURL,
		sess: sess,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("auth-token", c.sess.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := ""
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
			if json.Unmarshal(data, &apiErr) == nil {
				msg = apiErr.Error
				if msg == "" {
					msg = apiErr.Message
				}
			}
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Users fetches the full roster, self included; the directory filters.
func (c *Client) Users(ctx context.Context) ([]models.Identity, error) {
	var users []models.Identity
	if err := c.do(ctx, http.MethodGet, "/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Messages fetches one page of durable history for a direct
// conversation, newest page when before is empty.
func (c *Client) Messages(ctx context.Context, conversationID, before string, limit int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("senderId", c.sess.UserID)
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var msgs []models.Message
	path := "/messages/" + url.PathEscape(conversationID) + "?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// GroupMessages is the group-conversation variant of Messages.
func (c *Client) GroupMessages(ctx context.Context, groupID, before string, limit int) ([]models.Message, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var msgs []models.Message
	path := "/groups/" + url.PathEscape(groupID) + "/messages"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// PostMessage writes a message durably; the response carries the
// server-assigned id.
func (c *Client) PostMessage(ctx context.Context, m models.Message) (models.Message, error) {
	var saved models.Message
	if err := c.do(ctx, http.MethodPost, "/messages", m, &saved); err != nil {
		return models.Message{}, err
	}
	return saved, nil
}

type readRequest struct {
	MessageIDs     []string `json:"messageIds"`
	ReadBy         string   `json:"readBy"`
	ConversationID string   `json:"conversationId"`
	Group          bool     `json:"group,omitempty"`
}

// MarkRead marks a batch of message ids read in one request.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string, group bool) error {
	return c.do(ctx, http.MethodPut, "/messages/read", readRequest{
		MessageIDs:     messageIDs,
		ReadBy:         c.sess.UserID,
		ConversationID: conversationID,
		Group:          group,
	}, nil)
}

type deliveredRequest struct {
	ReceiverID string `json:"receiverId"`
}

// MarkDelivered marks everything outstanding in a conversation delivered.
func (c *Client) MarkDelivered(ctx context.Context, conversationID string) error {
	path := "/messages/delivered/" + url.PathEscape(conversationID)
	return c.do(ctx, http.MethodPut, path, deliveredRequest{ReceiverID: c.sess.UserID}, nil)
}

type editRequest struct {
	Content string `json:"content"`
}

func (c *Client) EditMessage(ctx context.Context, id, content string) (models.Message, error) {
	var saved models.Message
	path := "/messages/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPut, path, editRequest{Content: content}, &saved); err != nil {
		return models.Message{}, err
	}
	return saved, nil
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Groups(ctx context.Context, userID string) ([]models.Group, error) {
	var groups []models.Group
	if err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(userID), nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

type createGroupRequest struct {
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	CreatedBy string   `json:"createdBy"`
	AvatarRef string   `json:"avatarRef,omitempty"`
}

func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string, avatarRef string) (models.Group, error) {
	var g models.Group
	err := c.do(ctx, http.MethodPost, "/groups", createGroupRequest{
		Name:      name,
		Members:   memberIDs,
		CreatedBy: c.sess.UserID,
		AvatarRef: avatarRef,
	}, &g)
	return g, err
}

func (c *Client) UpdateGroup(ctx context.Context, g models.Group) (models.Group, error) {
	var saved models.Group
	err := c.do(ctx, http.MethodPut, "/groups/"+url.PathEscape(g.ID), g, &saved)
	return saved, err
}

func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/groups/"+url.PathEscape(id), nil, nil)
}

// LeaveGroup removes the local user; the response is the group as it
// stands without them, for broadcasting to remaining members.
func (c *Client) LeaveGroup(ctx context.Context, id string) (models.Group, error) {
	var g models.Group
	err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(id)+"/leave", nil, &g)
	return g, err
}

func (c *Client) AddMember(ctx context.Context, groupID, userID string) (models.Group, error) {
	var g models.Group
	path := "/groups/" + url.PathEscape(groupID) + "/members/" + url.PathEscape(userID)
	err := c.do(ctx, http.MethodPost, path, nil, &g)
	return g, err
}

func (c *Client) RemoveMember(ctx context.Context, groupID, userID string) (models.Group, error) {
	var g models.Group
	path := "/groups/" + url.PathEscape(groupID) + "/members/" + url.PathEscape(userID)
	err := c.do(ctx, http.MethodDelete, path, nil, &g)
	return g, err
}

func (c *Client) PromoteAdmin(ctx context.Context, groupID, userID string) (models.Group, error) {
	var g models.Group
	path := "/groups/" + url.PathEscape(groupID) + "/admins/" + url.PathEscape(userID)
	err := c.do(ctx, http.MethodPut, path, nil, &g)
	return g, err
}

func (c *Client) DemoteAdmin(ctx context.Context, groupID, userID string) (models.Group, error) {
	var g models.Group
	path := "/groups/" + url.PathEscape(groupID) + "/admins/" + url.PathEscape(userID)
	err := c.do(ctx, http.MethodDelete, path, nil, &g)
	return g, err
}
