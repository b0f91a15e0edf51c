package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bizmsg/pkg/messaging/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dedupServer stores messages keyed on client_id like the real API.
type dedupServer struct {
	mu      sync.Mutex
	records map[string]types.MessageRecord
	offline map[string]types.OfflineMessageRequest
	nextID  int
}

func newDedupServer() *dedupServer {
	return &dedupServer{
		records: make(map[string]types.MessageRecord),
		offline: make(map[string]types.OfflineMessageRequest),
	}
}

func (s *dedupServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req types.SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, req.ClientID, r.Header.Get(IdempotencyKeyHeader))

		s.mu.Lock()
		rec, ok := s.records[req.ClientID]
		if !ok {
			s.nextID++
			rec = types.MessageRecord{
				ID:             "msg-" + string(rune('0'+s.nextID)),
				ConversationID: r.PathValue("id"),
				Content:        req.Content,
				MessageType:    req.MessageType,
				MediaURL:       req.MediaURL,
				ClientID:       req.ClientID,
				CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			}
			s.records[req.ClientID] = rec
		}
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("POST /api/offline-messages", func(w http.ResponseWriter, r *http.Request) {
		var req types.OfflineMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.mu.Lock()
		s.offline[req.ClientID] = req
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	})
	mux.HandleFunc("GET /api/offline-messages", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		resp := types.DrainOfflineResponse{Processed: []types.ProcessedOfflineMessage{}, Failed: []types.FailedOfflineMessage{}}
		for id, m := range s.offline {
			if m.ConversationID == "gone" {
				resp.Failed = append(resp.Failed, types.FailedOfflineMessage{ClientID: id, Error: "conversation not found"})
				continue
			}
			resp.Processed = append(resp.Processed, types.ProcessedOfflineMessage{ClientID: id, MessageID: "srv-" + id, SentAt: time.Now().UTC()})
		}
		resp.TotalProcessed = len(resp.Processed)
		resp.TotalFailed = len(resp.Failed)
		s.offline = make(map[string]types.OfflineMessageRequest)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func TestSendMessage_IdempotentOnClientID(t *testing.T) {
	backend := newDedupServer()
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "secret-token", srv.Client())
	ctx := context.Background()
	req := types.SendMessageRequest{Content: "hello", MessageType: "text", ClientID: "local_1"}

	first, err := client.SendMessage(ctx, "c1", req)
	require.NoError(t, err)
	second, err := client.SendMessage(ctx, "c1", req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "c1", first.ConversationID)
	assert.Len(t, backend.records, 1)
}

func TestSendMessage_EscapesConversationID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{"id":"m1"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", nil).SendMessage(context.Background(), "a b", types.SendMessageRequest{ClientID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "/api/conversations/a%20b/messages", gotPath)
}

func TestSendMessage_APIErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{"validation", http.StatusBadRequest, `{"error":"content too long"}`, "content too long"},
		{"server error", http.StatusServiceUnavailable, `upstream down`, ""},
		{"message field", http.StatusUnprocessableEntity, `{"message":"bad type"}`, "bad type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "", nil).SendMessage(context.Background(), "c1", types.SendMessageRequest{ClientID: "x"})
			require.Error(t, err)

			apiErr, ok := AsAPIError(err)
			require.True(t, ok)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
			assert.Equal(t, tt.body, apiErr.Body)
			assert.Contains(t, apiErr.Error(), "/api/conversations/c1/messages")
		})
	}
}

func TestSendMessage_UndecodableSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`<html>ok</html>`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", nil).SendMessage(context.Background(), "c1", types.SendMessageRequest{ClientID: "x"})
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
	_, isAPI := AsAPIError(err)
	assert.False(t, isAPI)
}

func TestSendMessage_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "", nil).SendMessage(context.Background(), "c1", types.SendMessageRequest{ClientID: "x"})
	require.Error(t, err)
	_, isAPI := AsAPIError(err)
	assert.False(t, isAPI)
}

func TestSendMessage_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL, "", nil).SendMessage(ctx, "c1", types.SendMessageRequest{ClientID: "x"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestOfflineQueueRoundTrip(t *testing.T) {
	backend := newDedupServer()
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-token", nil)
	ctx := context.Background()

	require.NoError(t, client.QueueOfflineMessage(ctx, types.OfflineMessageRequest{ConversationID: "c1", Content: "a", MessageType: "text", ClientID: "local_a"}))
	require.NoError(t, client.QueueOfflineMessage(ctx, types.OfflineMessageRequest{ConversationID: "c1", Content: "a again", MessageType: "text", ClientID: "local_a"}))
	require.NoError(t, client.QueueOfflineMessage(ctx, types.OfflineMessageRequest{ConversationID: "gone", Content: "b", MessageType: "text", ClientID: "local_b"}))
	assert.Len(t, backend.offline, 2)

	result, err := client.DrainOfflineMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalProcessed)
	assert.Equal(t, 1, result.TotalFailed)
	require.Len(t, result.Processed, 1)
	assert.Equal(t, "local_a", result.Processed[0].ClientID)
	assert.Equal(t, "srv-local_a", result.Processed[0].MessageID)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "conversation not found", result.Failed[0].Error)
}
