package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"aiorchestrator/internal/admission"
	"aiorchestrator/internal/domain"
	"aiorchestrator/internal/orchestrator"
	"aiorchestrator/pkg/metrics"

	"github.com/gin-gonic/gin"
	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPServer HTTP服务器，实现kratos transport.Server生命周期
type HTTPServer struct {
	engine *gin.Engine
	orch   *orchestrator.Orchestrator
	server *http.Server
	logger *log.Helper
}

// NewHTTPServer 创建HTTP服务器
func NewHTTPServer(orch *orchestrator.Orchestrator, addr string, logger log.Logger) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &HTTPServer{
		engine: engine,
		orch:   orch,
		logger: log.NewHelper(logger),
	}

	s.registerMiddlewares()
	s.registerRoutes()

	s.server = &http.Server{
		Addr:           addr,
		Handler:        engine,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Start 启动服务器
func (s *HTTPServer) Start(ctx context.Context) error {
	s.logger.Infof("HTTP server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 优雅关闭
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// registerMiddlewares 注册中间件
func (s *HTTPServer) registerMiddlewares() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.requestObserver())
}

// requestObserver 请求日志与指标中间件
func (s *HTTPServer) requestObserver() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		metrics.RequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request.Method, path).Observe(latency.Seconds())

		s.logger.Infof("HTTP %s %s status=%d latency=%s client=%s",
			c.Request.Method, path, status, latency, c.ClientIP())
	}
}

// registerRoutes 注册路由
func (s *HTTPServer) registerRoutes() {
	api := s.engine.Group("/api/v1")

	tasks := api.Group("/tasks")
	{
		tasks.POST("", s.submitTask)
		tasks.GET("", s.listTasks)
		tasks.GET("/:id", s.getTask)
		tasks.DELETE("/:id", s.cancelTask)
		tasks.POST("/:id/retry", s.retryTask)
	}
	api.GET("/deadletters", s.listDeadLetters)
	api.POST("/admission/check", s.checkAdmission)
	api.POST("/selection", s.selectInstance)
	api.POST("/calls", s.cachedCall)
	api.GET("/stats", s.getStats)

	admin := api.Group("/admin")
	{
		admin.POST("/instances", s.registerInstance)
		admin.GET("/instances", s.listInstances)
		admin.DELETE("/instances/:id", s.deregisterInstance)
		admin.PUT("/instances/:id/status", s.setInstanceStatus)
		admin.POST("/rules", s.addRule)
		admin.GET("/rules", s.listRules)
		admin.DELETE("/rules/:id", s.removeRule)
	}

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/health", s.healthCheck)
	s.engine.GET("/ready", s.readinessCheck)
}

// submitTaskRequest 任务提交请求体
type submitTaskRequest struct {
	Kind          string                 `json:"kind" binding:"required"`
	Payload       map[string]interface{} `json:"payload"`
	Priority      string                 `json:"priority"`
	Identity      string                 `json:"identity"`
	Model         string                 `json:"model" binding:"required"`
	ExpectedUnits int                    `json:"expected_units"`
	MaxLatencyMs  float64                `json:"max_latency_ms"`
	MaxCostUSD    float64                `json:"max_cost_usd"`
	Retryable     *bool                  `json:"retryable"`
	MaxRetries    int                    `json:"max_retries"`
	TimeoutMs     int64                  `json:"timeout_ms"`
	DelayMs       int64                  `json:"delay_ms"`
	DependsOn     []string               `json:"depends_on"`
	SkipCache     bool                   `json:"skip_cache"`
}

// submitTask 提交任务
func (s *HTTPServer) submitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	retryable := true
	if req.Retryable != nil {
		retryable = *req.Retryable
	}
	task := &domain.Task{
		Kind:          req.Kind,
		Payload:       req.Payload,
		Priority:      domain.Priority(req.Priority),
		Identity:      req.Identity,
		Model:         req.Model,
		ExpectedUnits: req.ExpectedUnits,
		MaxLatencyMs:  req.MaxLatencyMs,
		MaxCostUSD:    req.MaxCostUSD,
		Retryable:     retryable,
		MaxRetries:    req.MaxRetries,
		Timeout:       time.Duration(req.TimeoutMs) * time.Millisecond,
		Delay:         time.Duration(req.DelayMs) * time.Millisecond,
		DependsOn:     req.DependsOn,
		SkipCache:     req.SkipCache,
	}

	opts := orchestrator.SubmitOptions{
		Tier:           admission.Tier(c.GetHeader("X-Tier")),
		IdempotencyKey: c.GetHeader("X-Idempotency-Key"),
	}
	out, err := s.orch.SubmitTask(c.Request.Context(), task, opts)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, out)
}

// getTask 查询任务
func (s *HTTPServer) getTask(c *gin.Context) {
	task, err := s.orch.GetTask(c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// listTasks 列出任务
func (s *HTTPServer) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.orch.ListTasks()})
}

// cancelTask 取消任务
func (s *HTTPServer) cancelTask(c *gin.Context) {
	if err := s.orch.CancelTask(c.Param("id")); err != nil {
		s.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// retryTask 手动重试失败任务
func (s *HTTPServer) retryTask(c *gin.Context) {
	if err := s.orch.RetryTask(c.Param("id")); err != nil {
		s.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listDeadLetters 列出死信任务
func (s *HTTPServer) listDeadLetters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"dead_letters": s.orch.DeadLetters()})
}

// checkAdmission 独立准入检查
func (s *HTTPServer) checkAdmission(c *gin.Context) {
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
		Identity string `json:"identity" binding:"required"`
		Tier     string `json:"tier"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision := s.orch.CheckAdmission(req.Endpoint, req.Identity, admission.Tier(req.Tier))
	outcome := "allowed"
	if !decision.Allowed {
		outcome = "denied"
		c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
	}
	metrics.AdmissionDecisions.WithLabelValues(decision.RuleID, outcome).Inc()
	c.JSON(http.StatusOK, decision)
}

// selectInstance 只做实例选择
func (s *HTTPServer) selectInstance(c *gin.Context) {
	var req struct {
		Model         string  `json:"model" binding:"required"`
		Priority      string  `json:"priority"`
		ExpectedUnits int     `json:"expected_units"`
		MaxLatencyMs  float64 `json:"max_latency_ms"`
		MaxCostUSD    float64 `json:"max_cost_usd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	priority := domain.Priority(req.Priority)
	if !priority.Valid() {
		priority = domain.PriorityNormal
	}
	result, err := s.orch.SelectInstance(c.Request.Context(), &domain.RequestContext{
		Model:         req.Model,
		Priority:      priority,
		ExpectedUnits: req.ExpectedUnits,
		MaxLatencyMs:  req.MaxLatencyMs,
		MaxCostUSD:    req.MaxCostUSD,
	})
	if err != nil {
		metrics.SelectionsTotal.WithLabelValues("", "error").Inc()
		s.handleError(c, err)
		return
	}
	metrics.SelectionsTotal.WithLabelValues(result.Strategy, "ok").Inc()
	c.JSON(http.StatusOK, result)
}

// cachedCall 同步缓存读穿调用
func (s *HTTPServer) cachedCall(c *gin.Context) {
	var req struct {
		Kind         string                 `json:"kind" binding:"required"`
		Model        string                 `json:"model" binding:"required"`
		Params       map[string]interface{} `json:"params"`
		ForceRefresh bool                   `json:"force_refresh"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	value, md, err := s.orch.CachedCall(c.Request.Context(), req.Kind, req.Model, req.Params, req.ForceRefresh)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": value, "metadata": md})
}

// getStats 聚合统计
func (s *HTTPServer) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Stats())
}

// registerInstance 注册实例
func (s *HTTPServer) registerInstance(c *gin.Context) {
	var inst domain.Instance
	if err := c.ShouldBindJSON(&inst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.RegisterInstance(&inst); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": inst.ID})
}

// listInstances 列出实例
func (s *HTTPServer) listInstances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instances": s.orch.ListInstances()})
}

// deregisterInstance 注销实例
func (s *HTTPServer) deregisterInstance(c *gin.Context) {
	if err := s.orch.DeregisterInstance(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// setInstanceStatus 设置实例状态
func (s *HTTPServer) setInstanceStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.SetInstanceStatus(c.Param("id"), domain.InstanceStatus(req.Status)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// addRule 添加限流规则
func (s *HTTPServer) addRule(c *gin.Context) {
	var rule admission.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.AddRule(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": rule.ID})
}

// listRules 列出限流规则
func (s *HTTPServer) listRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rules": s.orch.ListRules()})
}

// removeRule 删除限流规则
func (s *HTTPServer) removeRule(c *gin.Context) {
	if !s.orch.RemoveRule(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// healthCheck 健康检查
func (s *HTTPServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "ai-orchestrator",
		"time":    time.Now().Format(time.RFC3339),
	})
}

// readinessCheck 就绪检查
func (s *HTTPServer) readinessCheck(c *gin.Context) {
	stats := s.orch.Stats()
	c.JSON(http.StatusOK, gin.H{
		"ready":            true,
		"active_instances": stats.ActiveInstances,
		"time":             time.Now().Format(time.RFC3339),
	})
}

// handleError kratos错误到HTTP状态码的映射
func (s *HTTPServer) handleError(c *gin.Context, err error) {
	ke := kerrors.FromError(err)
	status := int(ke.Code)
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	if ke.Reason == domain.ReasonAdmissionDenied {
		if retryAfter, ok := ke.Metadata["retry_after"]; ok {
			if d, perr := time.ParseDuration(retryAfter); perr == nil {
				c.Header("Retry-After", strconv.Itoa(int(d.Seconds())))
			}
		}
	}
	c.JSON(status, gin.H{
		"code":    ke.Code,
		"reason":  ke.Reason,
		"message": ke.Message,
	})
}
