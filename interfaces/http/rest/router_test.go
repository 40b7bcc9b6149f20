package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"treechat/application/commands/handlers"
	"treechat/application/engine"
	"treechat/application/services"
	"treechat/domain/core/aggregates"
	domainservices "treechat/domain/services"
	"treechat/infrastructure/persistence/memory"
	"treechat/infrastructure/remote/remotetest"
	"treechat/pkg/observability"
	"treechat/pkg/utils"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk gone")
}
func (failingCache) Set(context.Context, string, []byte) error { return errors.New("disk gone") }
func (failingCache) Delete(context.Context, string) error      { return errors.New("disk gone") }

type server struct {
	t      *testing.T
	remote *remotetest.Fake
	http   *httptest.Server
}

func newServer(t *testing.T) *server {
	t.Helper()
	remote := remotetest.NewFake()
	cache := memory.NewCache(0)
	fast := utils.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
	graph := aggregates.NewGraph()
	registry := aggregates.NewContextRegistry(50)
	resolver := domainservices.NewPathResolver(graph)
	metrics := observability.NewMetrics("treechat_test", nil, nil)
	gateway := services.NewSyncGateway(remote, cache, services.GatewayConfig{
		CacheTTL: time.Minute, CallTimeout: time.Second, Retry: fast, VerifyBackoff: fast,
	}, nil, metrics, zap.NewNop())
	orch := handlers.NewNodeOrchestrator(graph, registry, resolver, gateway, nil, metrics, nil, nopLogger{})
	eng := engine.NewTreeEngine(graph, registry, resolver, gateway, orch, nil, nil, zap.NewNop())

	router := NewRouter(eng, cache, metrics, Options{EnableCORS: true}, zap.NewNop())
	srv := httptest.NewServer(router.Setup())
	t.Cleanup(srv.Close)
	return &server{t: t, remote: remote, http: srv}
}

func (s *server) do(method, path string, body interface{}) (int, map[string]interface{}) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.http.URL+path, reader)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Client().Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func TestRouter_HealthAndReady(t *testing.T) {
	s := newServer(t)
	status, body := s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = s.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])
}

func TestRouter_NotReadyWhenCacheFails(t *testing.T) {
	router := NewRouter(nil, failingCache{}, nil, Options{}, nil)
	rec := httptest.NewRecorder()
	router.Setup().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_ConversationFlow(t *testing.T) {
	s := newServer(t)

	status, session := s.do(http.MethodPost, "/api/v1/sessions", map[string]string{"name": "physics"})
	require.Equal(t, http.StatusCreated, status)
	sid := session["session_id"].(string)
	chat := session["context_id"].(string)
	assert.Equal(t, "chat:"+sid, chat)
	assert.Equal(t, true, session["synced"])

	status, first := s.do(http.MethodPost, "/api/v1/contexts/"+chat+"/messages", map[string]string{"text": "What is X?"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, string(handlers.TransitionRootCreated), first["transition"])
	assert.Equal(t, "answer to What is X?", first["answer"])
	rootID := first["node_id"].(string)

	status, second := s.do(http.MethodPost, "/api/v1/contexts/"+chat+"/messages", map[string]string{"text": "And Y?"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, string(handlers.TransitionChildCreated), second["transition"])

	status, dup := s.do(http.MethodPost, "/api/v1/contexts/"+chat+"/messages", map[string]string{"text": "And Y?"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(handlers.TransitionDuplicate), dup["transition"])

	status, msgs := s.do(http.MethodGet, "/api/v1/contexts/"+chat+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, msgs["messages"], 4)
	assert.Equal(t, false, msgs["partial"])

	// Percent-encoded keys resolve to the same context.
	status, path := s.do(http.MethodGet, "/api/v1/contexts/"+url.PathEscape(chat)+"/path", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []interface{}{rootID, second["node_id"]}, path["path"])

	status, dive := s.do(http.MethodPost, "/api/v1/sessions/"+sid+"/deepdives", map[string]string{"origin_node_id": rootID})
	require.Equal(t, http.StatusCreated, status)
	deep := dive["context_id"].(string)

	status, fork := s.do(http.MethodPost, "/api/v1/contexts/"+deep+"/messages", map[string]string{"text": "Tell me more"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, string(handlers.TransitionForkCreated), fork["transition"])

	status, tree := s.do(http.MethodGet, "/api/v1/sessions/"+sid+"/tree", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, tree["nodes"], 3)

	status, rebuilt := s.do(http.MethodPost, "/api/v1/sessions/"+sid+"/rebuild-messages", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, rebuilt["nodes_rebuilt"])

	status, _ = s.do(http.MethodDelete, "/api/v1/contexts/"+deep, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, deleted := s.do(http.MethodDelete, "/api/v1/sessions/"+sid, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, deleted["nodes_removed"])

	status, _ = s.do(http.MethodGet, "/api/v1/sessions/"+sid+"/tree", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRouter_SetActiveAndTransitions(t *testing.T) {
	s := newServer(t)
	_, session := s.do(http.MethodPost, "/api/v1/sessions", map[string]string{})
	chat := session["context_id"].(string)
	_, first := s.do(http.MethodPost, "/api/v1/contexts/"+chat+"/messages", map[string]string{"text": "q1"})
	s.do(http.MethodPost, "/api/v1/contexts/"+chat+"/messages", map[string]string{"text": "q2"})

	status, body := s.do(http.MethodPut, "/api/v1/contexts/"+chat+"/active",
		map[string]string{"node_id": first["node_id"].(string), "reason": "back to root"})
	require.Equal(t, http.StatusOK, status)
	transition := body["transition"].(map[string]interface{})
	assert.Equal(t, "back to root", transition["reason"])
	assert.Equal(t, first["node_id"], transition["next"])

	status, list := s.do(http.MethodGet, "/api/v1/transitions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, list["transitions"])
}

func TestRouter_ErrorMapping(t *testing.T) {
	s := newServer(t)
	_, session := s.do(http.MethodPost, "/api/v1/sessions", map[string]string{"name": "x"})
	chat := session["context_id"].(string)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		typ    string
	}{
		{"blank text", http.MethodPost, "/api/v1/contexts/" + chat + "/messages", map[string]string{"text": "   "}, http.StatusBadRequest, "VALIDATION"},
		{"malformed context", http.MethodPost, "/api/v1/contexts/tab:1/messages", map[string]string{"text": "hi"}, http.StatusBadRequest, "VALIDATION"},
		{"unknown field", http.MethodPost, "/api/v1/contexts/" + chat + "/messages", map[string]string{"txt": "hi"}, http.StatusBadRequest, "VALIDATION"},
		{"unknown session", http.MethodGet, "/api/v1/contexts/chat:nope/path", nil, http.StatusNotFound, "NOT_FOUND"},
		{"close chat context", http.MethodDelete, "/api/v1/contexts/" + chat, nil, http.StatusBadRequest, "VALIDATION"},
		{"delete unknown session", http.MethodDelete, "/api/v1/sessions/nope", nil, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.typ, body["type"])
			assert.Equal(t, true, body["error"])
		})
	}
}

func TestRouter_ServerDownStillAnswers(t *testing.T) {
	s := newServer(t)
	_, session := s.do(http.MethodPost, "/api/v1/sessions", map[string]string{"name": "offline"})
	chat := session["context_id"].(string)

	s.remote.Fail(remotetest.OpCreateNode, -1)
	s.remote.Fail(remotetest.OpAsk, -1)

	status, body := s.do(http.MethodPost, "/api/v1/contexts/"+chat+"/messages", map[string]string{"text": "anyone there?"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, true, body["fallback_answer"])
	assert.Equal(t, false, body["synced"])
	assert.NotEmpty(t, body["warnings"])
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	s := newServer(t)
	s.do(http.MethodPost, "/api/v1/sessions", map[string]string{"name": "m"})

	resp, err := s.http.Client().Get(s.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
