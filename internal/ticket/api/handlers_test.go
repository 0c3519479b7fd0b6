package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/agent/executor"
	agentrepo "github.com/kokino/kokino/internal/agent/repository"
	"github.com/kokino/kokino/internal/agent/registry"
	"github.com/kokino/kokino/internal/common/config"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/ticket/repository"
	"github.com/kokino/kokino/internal/ticket/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type fixture struct {
	router   *gin.Engine
	store    *store.Store
	registry *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := newTestLogger(t)

	reg := registry.NewRegistry(agentrepo.NewMemoryRepository(), nil, time.Minute, log)
	st := store.NewStore(
		repository.NewMemoryRepository(),
		repository.NewMemoryMessageLog(),
		reg,
		executor.NewStubExecutor("ok"),
		nil,
		nil,
		config.TicketConfig{DefaultTimeoutMs: 5000, RetentionSeconds: 60, CleanupSeconds: 60, RetryDelayMs: 50},
		log,
	)
	t.Cleanup(st.Stop)

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), st, log)
	return &fixture{router: router, store: st, registry: reg}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) submit(t *testing.T, body interface{}) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/tickets", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitTicketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TicketID)
	return resp.TicketID
}

func TestSubmitTicketAccepted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tickets", SubmitTicketRequest{
		AgentID: "ghost",
		Payload: "hello",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitTicketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TicketID)
	assert.Equal(t, "pending", resp.Status)
}

func TestSubmitTicketRequiresAgentID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tickets", map[string]interface{}{"payload": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTicket(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, SubmitTicketRequest{AgentID: "ghost", Payload: "hi"})

	rec := f.do(t, http.MethodGet, "/api/v1/tickets/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TicketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.TicketID)
	assert.Equal(t, "ghost", resp.TargetAgent)
	assert.Nil(t, resp.LatencyMs)
}

func TestGetTicketNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/tickets/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRespondAndLatency(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, SubmitTicketRequest{AgentID: "ghost", Payload: "q", ExpectReply: true})

	rec := f.do(t, http.MethodPost, "/api/v1/tickets/"+id+"/respond", RespondRequest{Payload: "a"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/tickets/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TicketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "responded", resp.Status)
	require.NotNil(t, resp.Response)
	assert.Equal(t, "a", resp.Response.Payload)
	require.NotNil(t, resp.LatencyMs)
	assert.GreaterOrEqual(t, *resp.LatencyMs, int64(0))
}

func TestRespondNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tickets/nope/respond", RespondRequest{Payload: "a"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcknowledge(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, SubmitTicketRequest{AgentID: "ghost"})

	rec := f.do(t, http.MethodPost, "/api/v1/tickets/"+id+"/acknowledge", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TicketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "delivered", resp.Status)
}

func TestGetPendingForAgent(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, SubmitTicketRequest{AgentID: "dev-2", Payload: "one"})
	second := f.submit(t, SubmitTicketRequest{AgentID: "dev-2", Payload: "two"})
	f.submit(t, SubmitTicketRequest{AgentID: "other", Payload: "elsewhere"})

	rec := f.do(t, http.MethodGet, "/api/v1/agents/dev-2/tickets", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TicketsListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Total)
	assert.Equal(t, first, resp.Tickets[0].TicketID)
	assert.Equal(t, second, resp.Tickets[1].TicketID)
}

func TestWaitForReplyImmediate(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, SubmitTicketRequest{AgentID: "ghost", ExpectReply: true})

	rec := f.do(t, http.MethodPost, "/api/v1/tickets/"+id+"/respond", RespondRequest{Payload: "done"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/tickets/"+id+"/reply", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TicketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "responded", resp.Status)
}

func TestWaitForReplyTimesOut(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, SubmitTicketRequest{AgentID: "ghost", ExpectReply: true, TimeoutMs: 80})

	start := time.Now()
	rec := f.do(t, http.MethodGet, "/api/v1/tickets/"+id+"/reply", nil)
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestWaitForReplySuspendsUntilRespond(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, SubmitTicketRequest{AgentID: "ghost", ExpectReply: true})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- f.do(t, http.MethodGet, "/api/v1/tickets/"+id+"/reply", nil)
	}()

	time.Sleep(50 * time.Millisecond)
	rec := f.do(t, http.MethodPost, "/api/v1/tickets/"+id+"/respond", RespondRequest{Payload: "late"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	select {
	case poll := <-done:
		require.Equal(t, http.StatusOK, poll.Code)
		var resp TicketResponse
		require.NoError(t, json.Unmarshal(poll.Body.Bytes(), &resp))
		require.NotNil(t, resp.Response)
		assert.Equal(t, "late", resp.Response.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll did not return after respond")
	}
}
