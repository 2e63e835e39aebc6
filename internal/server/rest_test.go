package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/goevery/relay/internal/event"
	"github.com/goevery/relay/internal/handler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, stack *testStack, method string, path string, body string, apiKey string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}

	req, err := http.NewRequest(method, stack.server.URL+path, reader)
	require.NoError(t, err)

	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decodeResponse[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var body T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return body
}

func TestRESTServer_Auth(t *testing.T) {
	stack := newTestStack(t, DefaultWebSocketOptions())

	t.Run("missing api key", func(t *testing.T) {
		resp := doRequest(t, stack, http.MethodGet, "/online", "", "")

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid api key", func(t *testing.T) {
		resp := doRequest(t, stack, http.MethodGet, "/online", "", "invalid-api-key")

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Unauthenticated", decodeResponse[map[string]any](t, resp)["code"])
	})

	t.Run("user token is not an api key", func(t *testing.T) {
		resp := doRequest(t, stack, http.MethodGet, "/online", "", signToken(t, "alice"))

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestRESTServer_Online(t *testing.T) {
	stack := newTestStack(t, DefaultWebSocketOptions())
	dial(t, stack, "bob")
	dial(t, stack, "alice")

	resp := doRequest(t, stack, http.MethodGet, "/online", "", testAPIKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, handler.OnlineUsersResponse{Count: 2, Users: []string{"alice", "bob"}},
		decodeResponse[handler.OnlineUsersResponse](t, resp))

	resp = doRequest(t, stack, http.MethodGet, "/online/alice", "", testAPIKey)
	assert.Equal(t, handler.UserPresenceResponse{UserId: "alice", Online: true},
		decodeResponse[handler.UserPresenceResponse](t, resp))

	resp = doRequest(t, stack, http.MethodGet, "/online/carol", "", testAPIKey)
	assert.Equal(t, handler.UserPresenceResponse{UserId: "carol", Online: false},
		decodeResponse[handler.UserPresenceResponse](t, resp))
}

func TestRESTServer_Verifications(t *testing.T) {
	stack := newTestStack(t, DefaultWebSocketOptions())

	resp := doRequest(t, stack, http.MethodPost, "/verifications", `{"verification_id":"v1","service_name":"whatsapp"}`, testAPIKey)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeResponse[handler.VerificationStatus](t, resp)
	assert.Equal(t, "v1", created.VerificationId)
	assert.Equal(t, "running", created.State)
	assert.NotNil(t, created.Deadline)

	resp = doRequest(t, stack, http.MethodPost, "/verifications", `{"verification_id":"v1","service_name":"whatsapp"}`, testAPIKey)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, stack.scheduler.List(), 1)

	resp = doRequest(t, stack, http.MethodGet, "/verifications/v1", "", testAPIKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", decodeResponse[handler.VerificationStatus](t, resp).State)

	resp = doRequest(t, stack, http.MethodDelete, "/verifications/v1", "", testAPIKey)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Eventually(t, func() bool {
		resp := doRequest(t, stack, http.MethodGet, "/verifications/v1", "", testAPIKey)
		return resp.StatusCode == http.StatusOK &&
			decodeResponse[handler.VerificationStatus](t, resp).State == "cancelled"
	}, 2*time.Second, 20*time.Millisecond)

	resp = doRequest(t, stack, http.MethodDelete, "/verifications/v1", "", testAPIKey)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, stack, http.MethodGet, "/verifications/unknown", "", testAPIKey)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, stack, http.MethodPost, "/verifications", `{"verification_id":"bad id"}`, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, stack, http.MethodPost, "/verifications", `not json`, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRESTServer_PushMessage(t *testing.T) {
	stack := newTestStack(t, DefaultWebSocketOptions())

	alice := dial(t, stack, "alice")
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "join_conversation", "conversation_id": "c1"}))
	roundTrip(t, alice)

	resp := doRequest(t, stack, http.MethodPost, "/conversations/c1/messages",
		`{"message_id":"m1","sender_id":"bob","body":"hello"}`, testAPIKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, handler.PushResponse{Delivered: 1}, decodeResponse[handler.PushResponse](t, resp))

	message := readUntil(t, alice, event.TypeNewMessage)
	assert.Equal(t, "c1", message["conversation_id"])
	assert.Equal(t, "m1", message["message_id"])
	assert.Equal(t, "bob", message["sender_id"])
	assert.Equal(t, "hello", message["body"])

	resp = doRequest(t, stack, http.MethodPost, "/conversations/c1/messages", `{"sender_id":"bob"}`, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRESTServer_Operational(t *testing.T) {
	stack := newTestStack(t, DefaultWebSocketOptions())
	dial(t, stack, "alice")

	resp := doRequest(t, stack, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, stack, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_connections_active 1")
}
