package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"bizmsg/pkg/messaging/types"
)

// FakeAPI is an in-process messaging server. Messages are deduplicated on
// client_id, and failures can be scripted per endpoint.
type FakeAPI struct {
	mu        sync.Mutex
	server    *httptest.Server
	records   map[string]types.MessageRecord
	order     []string
	offline   []types.OfflineMessageRequest
	failNext  map[string][]int
	requests  map[string]int
	nextID    int
	failDrain map[string]string
	// storeBeforeFailure records a message even when the response is a scripted failure,
	// simulating a response lost after the server committed the write.
	storeBeforeFailure bool
}

const (
	endpointSend    = "send"
	endpointIntake  = "intake"
	endpointDrain   = "drain"
	fakeAPIToken    = "integration-token"
	fakeAPISentTime = "2026-03-01T09:00:00Z"
)

func NewFakeAPI() *FakeAPI {
	api := &FakeAPI{
		records:   make(map[string]types.MessageRecord),
		failNext:  make(map[string][]int),
		requests:  make(map[string]int),
		failDrain: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/{id}/messages", api.handleSend)
	mux.HandleFunc("POST /api/offline-messages", api.handleIntake)
	mux.HandleFunc("GET /api/offline-messages", api.handleDrain)
	api.server = httptest.NewServer(mux)
	return api
}

func (a *FakeAPI) URL() string { return a.server.URL }

func (a *FakeAPI) Close() { a.server.Close() }

// FailNext makes the next len(statuses) calls to endpoint answer with those statuses.
func (a *FakeAPI) FailNext(endpoint string, statuses ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext[endpoint] = append(a.failNext[endpoint], statuses...)
}

// FailRelayed makes the server-side drain report clientID as failed.
func (a *FakeAPI) FailRelayed(clientID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failDrain[clientID] = reason
}

func (a *FakeAPI) SetStoreBeforeFailure(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.storeBeforeFailure = v
}

// Records returns the stored messages in arrival order.
func (a *FakeAPI) Records() []types.MessageRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.MessageRecord, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.records[id])
	}
	return out
}

func (a *FakeAPI) Requests(endpoint string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[endpoint]
}

func (a *FakeAPI) RelayedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.offline)
}

func (a *FakeAPI) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+fakeAPIToken {
		writeFakeJSON(w, http.StatusUnauthorized, types.ErrorResponse{Error: "unauthorized"})
		return false
	}
	return true
}

// scripted pops the next scripted status for endpoint; zero means none.
func (a *FakeAPI) scriptedLocked(endpoint string) int {
	a.requests[endpoint]++
	queue := a.failNext[endpoint]
	if len(queue) == 0 {
		return 0
	}
	a.failNext[endpoint] = queue[1:]
	return queue[0]
}

func (a *FakeAPI) storeLocked(conversationID string, req types.SendMessageRequest, at time.Time) types.MessageRecord {
	if rec, ok := a.records[req.ClientID]; ok {
		return rec
	}
	a.nextID++
	rec := types.MessageRecord{
		ID:             fmt.Sprintf("srv-%d", a.nextID),
		ConversationID: conversationID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		MediaURL:       req.MediaURL,
		ClientID:       req.ClientID,
		CreatedAt:      at,
	}
	a.records[req.ClientID] = rec
	a.order = append(a.order, req.ClientID)
	return rec
}

func (a *FakeAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}
	var req types.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFakeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "invalid body"})
		return
	}

	a.mu.Lock()
	status := a.scriptedLocked(endpointSend)
	if status != 0 && !a.storeBeforeFailure {
		a.mu.Unlock()
		writeFakeJSON(w, status, types.ErrorResponse{Error: http.StatusText(status)})
		return
	}
	rec := a.storeLocked(r.PathValue("id"), req, time.Now().UTC())
	a.mu.Unlock()

	if status != 0 {
		writeFakeJSON(w, status, types.ErrorResponse{Error: http.StatusText(status)})
		return
	}
	writeFakeJSON(w, http.StatusCreated, rec)
}

func (a *FakeAPI) handleIntake(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}
	var req types.OfflineMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFakeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "invalid body"})
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if status := a.scriptedLocked(endpointIntake); status != 0 {
		writeFakeJSON(w, status, types.ErrorResponse{Error: http.StatusText(status)})
		return
	}
	for _, queued := range a.offline {
		if queued.ClientID == req.ClientID {
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}
	a.offline = append(a.offline, req)
	w.WriteHeader(http.StatusAccepted)
}

func (a *FakeAPI) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}

	a.mu.Lock()
	if status := a.scriptedLocked(endpointDrain); status != 0 {
		a.mu.Unlock()
		writeFakeJSON(w, status, types.ErrorResponse{Error: http.StatusText(status)})
		return
	}

	sentAt, _ := time.Parse(time.RFC3339, fakeAPISentTime)
	var resp types.DrainOfflineResponse
	for _, req := range a.offline {
		if reason, ok := a.failDrain[req.ClientID]; ok {
			resp.Failed = append(resp.Failed, types.FailedOfflineMessage{ClientID: req.ClientID, Error: reason})
			continue
		}
		rec := a.storeLocked(req.ConversationID, types.SendMessageRequest{
			Content:     req.Content,
			MessageType: req.MessageType,
			MediaURL:    req.MediaURL,
			ClientID:    req.ClientID,
		}, sentAt)
		resp.Processed = append(resp.Processed, types.ProcessedOfflineMessage{
			ClientID:  req.ClientID,
			MessageID: rec.ID,
			SentAt:    sentAt,
		})
	}
	a.offline = nil
	a.mu.Unlock()

	resp.TotalProcessed = len(resp.Processed)
	resp.TotalFailed = len(resp.Failed)
	writeFakeJSON(w, http.StatusOK, resp)
}

func writeFakeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
