package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"aiorchestrator/internal/admission"
	"aiorchestrator/internal/cache"
	"aiorchestrator/internal/domain"
	"aiorchestrator/internal/orchestrator"
	"aiorchestrator/internal/provider"
	"aiorchestrator/internal/queue"
	"aiorchestrator/internal/registry"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *HTTPServer {
	t.Helper()
	clock := clockwork.NewFakeClock()
	logger := log.NewStdLogger(os.Stdout)

	reg := registry.NewRegistry(clock, logger)
	sel := registry.NewSelector(reg, registry.StrategyAdaptive, logger)
	prober := registry.ProberFunc(func(ctx context.Context, inst *domain.Instance) error { return nil })
	hc := registry.NewHealthChecker(reg, prober, time.Minute, clock, logger)
	mon := admission.NewLoadMonitor(admission.DefaultLoadMonitorConfig(), clock, logger)
	lim := admission.NewLimiter(mon, clock, logger)
	respCache := cache.NewResponseCache(cache.Config{}, clock, logger)
	q := queue.NewQueue(queue.Config{}, clock, logger)
	invoker := provider.InvokerFunc(func(ctx context.Context, inst *domain.Instance, model string, payload map[string]interface{}) (*provider.Result, error) {
		return &provider.Result{Output: map[string]interface{}{"text": "ok"}, UnitsConsumed: 1}, nil
	})

	orch := orchestrator.New(reg, sel, hc, lim, mon, respCache, q, invoker,
		queue.SchedulerConfig{}, nil, nil, nil, orchestrator.Options{}, clock, logger)
	return NewHTTPServer(orch, ":0", logger)
}

func doJSON(s *HTTPServer, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
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
	s.engine.ServeHTTP(w, req)
	return w
}

func TestHTTPServer_SubmitTask(t *testing.T) {
	s := newTestServer(t)

	t.Run("合法请求返回202", func(t *testing.T) {
		w := doJSON(s, http.MethodPost, "/api/v1/tasks",
			`{"kind":"chat","model":"gpt-4o","payload":{"prompt":"hi"},"priority":"high"}`, nil)
		require.Equal(t, http.StatusAccepted, w.Code)

		var task domain.Task
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
		assert.NotEmpty(t, task.ID)
		assert.Equal(t, domain.TaskStatusPending, task.Status)
		assert.Equal(t, domain.PriorityHigh, task.Priority)
	})

	t.Run("缺少必填字段返回400", func(t *testing.T) {
		w := doJSON(s, http.MethodPost, "/api/v1/tasks", `{"kind":"chat"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("准入拒绝返回429和Retry-After", func(t *testing.T) {
		w := doJSON(s, http.MethodPost, "/api/v1/admin/rules",
			`{"id":"strict","pattern":"tasks:embedding","priority":1,"enabled":true,
			  "tiers":{"authenticated":{"algorithm":"sliding_window","max":1,"window":60000000000}}}`, nil)
		require.Equal(t, http.StatusCreated, w.Code)

		body := `{"kind":"embedding","model":"gpt-4o","identity":"user-1"}`
		w = doJSON(s, http.MethodPost, "/api/v1/tasks", body, nil)
		require.Equal(t, http.StatusAccepted, w.Code)

		w = doJSON(s, http.MethodPost, "/api/v1/tasks", body, nil)
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))

		var resp struct {
			Reason string `json:"reason"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, domain.ReasonAdmissionDenied, resp.Reason)
	})
}

func TestHTTPServer_TaskQueries(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, http.MethodPost, "/api/v1/tasks", `{"kind":"chat","model":"gpt-4o"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var task domain.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))

	t.Run("按ID查询", func(t *testing.T) {
		w := doJSON(s, http.MethodGet, "/api/v1/tasks/"+task.ID, "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("未知任务返回404", func(t *testing.T) {
		w := doJSON(s, http.MethodGet, "/api/v1/tasks/task_missing", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("取消后再取消返回错误", func(t *testing.T) {
		w := doJSON(s, http.MethodDelete, "/api/v1/tasks/"+task.ID, "", nil)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = doJSON(s, http.MethodDelete, "/api/v1/tasks/"+task.ID, "", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("非failed任务不可重试", func(t *testing.T) {
		w := doJSON(s, http.MethodPost, "/api/v1/tasks/"+task.ID+"/retry", "", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHTTPServer_AdminInstances(t *testing.T) {
	s := newTestServer(t)
	instBody := `{"id":"inst-1","provider":"openai","endpoint":"http://gw:8080","models":["gpt-4o"],"max_concurrent":8}`

	t.Run("注册实例", func(t *testing.T) {
		w := doJSON(s, http.MethodPost, "/api/v1/admin/instances", instBody, nil)
		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("重复注册返回409", func(t *testing.T) {
		w := doJSON(s, http.MethodPost, "/api/v1/admin/instances", instBody, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("设置实例状态", func(t *testing.T) {
		w := doJSON(s, http.MethodPut, "/api/v1/admin/instances/inst-1/status", `{"status":"maintenance"}`, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("实例选择无候选返回503", func(t *testing.T) {
		w := doJSON(s, http.MethodPost, "/api/v1/selection", `{"model":"gpt-4o"}`, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("注销实例", func(t *testing.T) {
		w := doJSON(s, http.MethodDelete, "/api/v1/admin/instances/inst-1", "", nil)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = doJSON(s, http.MethodDelete, "/api/v1/admin/instances/inst-1", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHTTPServer_SelectionAndStats(t *testing.T) {
	s := newTestServer(t)
	doJSON(s, http.MethodPost, "/api/v1/admin/instances",
		`{"id":"inst-1","provider":"openai","endpoint":"http://gw:8080","models":["gpt-4o"],"max_concurrent":8}`, nil)

	t.Run("实例选择", func(t *testing.T) {
		w := doJSON(s, http.MethodPost, "/api/v1/selection", `{"model":"gpt-4o","priority":"high"}`, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var result domain.SelectionResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, "inst-1", result.Instance.ID)
		assert.Equal(t, string(registry.StrategyAdaptive), result.Strategy)
	})

	t.Run("聚合统计", func(t *testing.T) {
		w := doJSON(s, http.MethodGet, "/api/v1/stats", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var stats orchestrator.Stats
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
		assert.Equal(t, 1, stats.Instances)
	})

	t.Run("同步缓存调用", func(t *testing.T) {
		w := doJSON(s, http.MethodPost, "/api/v1/calls",
			`{"kind":"chat","model":"gpt-4o","params":{"prompt":"hi"}}`, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "ok")
	})
}

func TestHTTPServer_AdmissionCheck(t *testing.T) {
	s := newTestServer(t)

	t.Run("无规则时放行", func(t *testing.T) {
		w := doJSON(s, http.MethodPost, "/api/v1/admission/check",
			`{"endpoint":"tasks:chat","identity":"user-1"}`, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var d admission.Decision
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
		assert.True(t, d.Allowed)
	})

	t.Run("缺少必填字段返回400", func(t *testing.T) {
		w := doJSON(s, http.MethodPost, "/api/v1/admission/check", `{"endpoint":"tasks:chat"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHTTPServer_HealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(s, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
}
