package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodustech/kodus-flow/pkg/agent"
	"github.com/kodustech/kodus-flow/pkg/llm"
	"github.com/kodustech/kodus-flow/pkg/orchestrator"
	"github.com/kodustech/kodus-flow/pkg/tools"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, cfg Config) (*Server, *orchestrator.Orchestrator) {
	t.Helper()

	adapter := llm.FuncAdapter(func(_ context.Context, msgs []llm.Message, _ llm.CallOptions) (*llm.Response, error) {
		if strings.HasPrefix(msgs[len(msgs)-1].Content, "Raw execution result:") {
			return &llm.Response{Content: "All done."}, nil
		}
		return &llm.Response{Content: `{"action": {"type": "final_answer", "answer": "done"}}`}, nil
	})

	orch, err := orchestrator.CreateOrchestration(context.Background(), orchestrator.Config{
		Adapter:  adapter,
		TenantID: "tenant-a",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	require.NoError(t, orch.CreateAgent(agent.Definition{Name: "helper"}))
	require.NoError(t, orch.CreateTool(tools.Definition{
		Name: "ping",
		Execute: func(context.Context, map[string]any) (any, error) {
			return "pong", nil
		},
	}))

	return NewServer(orch, nil, cfg), orch
}

func doRequest(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	w := doRequest(srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestCallAgent(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	w := doRequest(srv, http.MethodPost, "/api/v1/agents/helper/call",
		`{"input": "do the thing", "thread": "t-1"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result agent.CallResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "helper", result.Context.AgentName)
	assert.Equal(t, "t-1", result.Context.ThreadID)
}

func TestCallAgentValidation(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	w := doRequest(srv, http.MethodPost, "/api/v1/agents/helper/call", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(srv, http.MethodPost, "/api/v1/agents/ghost/call", `{"input": "x"}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not found")
}

func TestCallTool(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	w := doRequest(srv, http.MethodPost, "/api/v1/tools/ping/call", `{"input": {}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
}

func TestListTools(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	w := doRequest(srv, http.MethodGet, "/api/v1/tools", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ping")
}

func TestTokenAuth(t *testing.T) {
	srv, _ := newTestServer(t, Config{AuthToken: "sekrit"})

	// Health stays open.
	w := doRequest(srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/v1/tools", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/v1/tools", "",
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/v1/tools", "",
		map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReviewRoutesWithoutPipeline(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	w := doRequest(srv, http.MethodPost, "/api/v1/reviews",
		`{"repository": "org/repo", "number": 1, "head_sha": "abc"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/v1/reviews/some-id", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
