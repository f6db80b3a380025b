package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vestnik/internal/config"
	"vestnik/internal/models"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.Config{APIBaseURL: srv.URL}
	return NewClient(cfg, config.Session{UserID: "me", Token: "secret"})
}

func TestAuthHeaderAndContentType(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("auth-token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewEncoder(w).Encode([]models.Identity{})
	})

	_, err := c.Users(context.Background())
	require.NoError(t, err)
}

func TestAPIErrorDecoding(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"not a member"}`))
	})

	_, err := c.Groups(context.Background(), "me")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "not a member", apiErr.Message)
}

func TestAPIErrorWithoutBody(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.DeleteMessage(context.Background(), "m1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Empty(t, apiErr.Message)
}

func TestMessagesQuery(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/c1", r.URL.Path)
		assert.Equal(t, "me", r.URL.Query().Get("senderId"))
		assert.Equal(t, "m5", r.URL.Query().Get("before"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]models.Message{
			{DurableID: "m1", Content: "hi", CreatedAt: time.Now()},
		})
	})

	msgs, err := c.Messages(context.Background(), "c1", "m5", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].DurableID)
}

func TestGroupMessagesPath(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/groups/g1/messages", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]models.Message{})
	})

	_, err := c.GroupMessages(context.Background(), "g1", "", 0)
	require.NoError(t, err)
}

func TestPostMessageReturnsDurableID(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var m models.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		m.DurableID = "m99"
		_ = json.NewEncoder(w).Encode(m)
	})

	saved, err := c.PostMessage(context.Background(), models.Message{
		LocalKey: "lk", ConversationID: "c1", SenderID: "me", Content: "hi", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "m99", saved.DurableID)
	assert.Equal(t, "lk", saved.LocalKey)
}

func TestMarkReadBatchBody(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/messages/read", r.URL.Path)
		var req readRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"m1", "m2"}, req.MessageIDs)
		assert.Equal(t, "me", req.ReadBy)
		assert.Equal(t, "c1", req.ConversationID)
		assert.True(t, req.Group)
	})

	require.NoError(t, c.MarkRead(context.Background(), "c1", []string{"m1", "m2"}, true))
}

func TestGroupMembershipPaths(t *testing.T) {
	var gotMethod, gotPath string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_ = json.NewEncoder(w).Encode(models.Group{ID: "g1"})
	})

	tests := []struct {
		name   string
		call   func() error
		method string
		path   string
	}{
		{"add member", func() error { _, err := c.AddMember(context.Background(), "g1", "u1"); return err },
			http.MethodPost, "/groups/g1/members/u1"},
		{"remove member", func() error { _, err := c.RemoveMember(context.Background(), "g1", "u1"); return err },
			http.MethodDelete, "/groups/g1/members/u1"},
		{"promote admin", func() error { _, err := c.PromoteAdmin(context.Background(), "g1", "u1"); return err },
			http.MethodPut, "/groups/g1/admins/u1"},
		{"demote admin", func() error { _, err := c.DemoteAdmin(context.Background(), "g1", "u1"); return err },
			http.MethodDelete, "/groups/g1/admins/u1"},
		{"leave", func() error { _, err := c.LeaveGroup(context.Background(), "g1"); return err },
			http.MethodPost, "/groups/g1/leave"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.call())
			assert.Equal(t, tc.method, gotMethod)
			assert.Equal(t, tc.path, gotPath)
		})
	}
}
