package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdb/askdb/internal/agent"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/database"
)

// stubAgent records the request it receives and returns a scripted
// response.
type stubAgent struct {
	lastAsk     agent.Request
	resp        *agent.Response
	askErr      error
	validateErr error
}

func (s *stubAgent) Ask(_ context.Context, req agent.Request) (*agent.Response, error) {
	s.lastAsk = req
	if s.askErr != nil {
		return nil, s.askErr
	}
	return s.resp, nil
}

func (s *stubAgent) ValidateConnection(_ context.Context, _, _ string) error {
	return s.validateErr
}

func newTestServer(t *testing.T, stub *stubAgent) (*Server, database.Store) {
	t.Helper()

	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })
	store := database.NewStore(db, nil)

	cfg := config.ServerConfig{Addr: ":0", Mode: "test", ShutdownTimeout: time.Second}
	return New(cfg, stub, store, nil, slog.Default()), store
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
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
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubAgent{})

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestQueryHappyPath(t *testing.T) {
	stub := &stubAgent{resp: &agent.Response{
		ConversationID: "conv-1",
		Answer:         "There are 42 users.",
		NeedsDB:        true,
		SQLQuery:       "SELECT count(*) FROM users",
		QueryResults:   []map[string]any{{"count": float64(42)}},
		Truncated:      true,
	}}
	srv, _ := newTestServer(t, stub)

	rec := doJSON(t, srv, http.MethodPost, "/query", map[string]any{
		"query":             "how many users?",
		"connection_string": "postgres://u:p@h/db",
		"db_type":           "postgres",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Equal(t, "There are 42 users.", resp.Answer)
	assert.True(t, resp.NeedsDB)
	assert.Equal(t, "SELECT count(*) FROM users", resp.SQLQuery)
	require.Len(t, resp.QueryResults, 1)
	assert.True(t, resp.Truncated)

	assert.Equal(t, "postgres", stub.lastAsk.DBType)
	assert.Equal(t, "how many users?", stub.lastAsk.Question)
}

func TestQueryDefaultsToSQLServer(t *testing.T) {
	stub := &stubAgent{resp: &agent.Response{Answer: "a"}}
	srv, _ := newTestServer(t, stub)

	rec := doJSON(t, srv, http.MethodPost, "/query", map[string]any{"query": "q"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sqlserver", stub.lastAsk.DBType)
}

func TestQueryMissingQuestionIs400(t *testing.T) {
	srv, _ := newTestServer(t, &stubAgent{resp: &agent.Response{}})

	rec := doJSON(t, srv, http.MethodPost, "/query", map[string]any{"connection_string": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestQueryAgentErrorShapeStaysOK(t *testing.T) {
	// Agent-level failures come back inside the response with a 200.
	stub := &stubAgent{resp: &agent.Response{
		Answer: "I apologize, but I encountered an error.",
		Error:  "model unavailable",
	}}
	srv, _ := newTestServer(t, stub)

	rec := doJSON(t, srv, http.MethodPost, "/query", map[string]any{"query": "q"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "model unavailable", resp.Error)
}

func TestQueryUnknownConversationIs404(t *testing.T) {
	stub := &stubAgent{askErr: fmt.Errorf("conversation abc: %w", agent.ErrConversationNotFound)}
	srv, _ := newTestServer(t, stub)

	rec := doJSON(t, srv, http.MethodPost, "/query", map[string]any{
		"query":           "q",
		"conversation_id": "abc",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryInternalErrorIs500(t *testing.T) {
	stub := &stubAgent{askErr: errors.New("store unavailable")}
	srv, _ := newTestServer(t, stub)

	rec := doJSON(t, srv, http.MethodPost, "/query", map[string]any{"query": "q"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestValidateConnection(t *testing.T) {
	srv, _ := newTestServer(t, &stubAgent{})

	rec := doJSON(t, srv, http.MethodPost, "/validate-connection", map[string]any{
		"connection_string": "postgres://u:p@h/db",
		"db_type":           "postgres",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)
}

func TestValidateConnectionFailure(t *testing.T) {
	srv, _ := newTestServer(t, &stubAgent{validateErr: errors.New("connection refused")})

	rec := doJSON(t, srv, http.MethodPost, "/validate-connection", map[string]any{
		"connection_string": "postgres://u:p@h/db",
		"db_type":           "postgres",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":false`)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestCreateMSSQLConnection(t *testing.T) {
	srv, _ := newTestServer(t, &stubAgent{})

	rec := doJSON(t, srv, http.MethodPost, "/create-mssql-connection", map[string]any{
		"server":             "localhost",
		"database":           "sales",
		"trusted_connection": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sqlserver://localhost")

	rec = doJSON(t, srv, http.MethodPost, "/create-mssql-connection", map[string]any{"server": "localhost"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationLifecycleOverHTTP(t *testing.T) {
	srv, store := newTestServer(t, &stubAgent{})
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "sales questions")
	require.NoError(t, err)
	require.NoError(t, store.SaveExchange(ctx, &database.Exchange{
		ConversationID: conv.ID, Question: "q", Answer: "a",
	}))

	rec := doJSON(t, srv, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), conv.ID)

	rec = doJSON(t, srv, http.MethodGet, "/api/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sales questions")
	assert.Contains(t, rec.Body.String(), `"question":"q"`)

	rec = doJSON(t, srv, http.MethodDelete, "/api/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
