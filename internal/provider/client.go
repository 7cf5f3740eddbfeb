package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"aiorchestrator/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/sony/gobreaker"
)

// Result 一次模型调用的结果
type Result struct {
	Output        map[string]interface{} `json:"output"`
	UnitsConsumed int                    `json:"units_consumed"`
	CostUSD       float64                `json:"cost_usd"`
	Quality       float64                `json:"quality,omitempty"`
}

// Invoker 模型实例调用器
type Invoker interface {
	Invoke(ctx context.Context, inst *domain.Instance, model string, payload map[string]interface{}) (*Result, error)
}

// InvokerFunc 函数式Invoker
type InvokerFunc func(ctx context.Context, inst *domain.Instance, model string, payload map[string]interface{}) (*Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, inst *domain.Instance, model string, payload map[string]interface{}) (*Result, error) {
	return f(ctx, inst, model, payload)
}

// invokeRequest 下游实例的调用载荷
type invokeRequest struct {
	Model   string                 `json:"model"`
	Payload map[string]interface{} `json:"payload"`
}

// HTTPInvoker 基于HTTP的实例调用客户端
//
// 每个实例独立熔断器，单实例故障不影响其余实例的调用。
// 重试由任务队列负责，这里只做单次调用加熔断。
type HTTPInvoker struct {
	httpClient *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	logger *log.Helper
}

// NewHTTPInvoker 创建HTTP调用客户端
func NewHTTPInvoker(timeout time.Duration, logger log.Logger) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPInvoker{
		httpClient: &http.Client{Timeout: timeout},
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		logger:     log.NewHelper(logger),
	}
}

// breaker 实例对应的熔断器，懒创建
func (c *HTTPInvoker) breaker(instanceID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[instanceID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        instanceID,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warnf("instance %s circuit breaker %s -> %s", name, from, to)
		},
	})
	c.breakers[instanceID] = cb
	return cb
}

// Invoke 调用实例执行一次请求
func (c *HTTPInvoker) Invoke(ctx context.Context, inst *domain.Instance, model string, payload map[string]interface{}) (*Result, error) {
	reqBody, err := json.Marshal(invokeRequest{Model: model, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/invoke", inst.Endpoint)
	cb := c.breaker(inst.ID)

	out, err := cb.Execute(func() (interface{}, error) {
		return c.doHTTPCall(ctx, url, reqBody)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewProviderError(fmt.Errorf("instance %s circuit open", inst.ID))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewProviderError(err)
	}

	var result Result
	if err := json.Unmarshal(out.([]byte), &result); err != nil {
		return nil, domain.NewProviderError(fmt.Errorf("unmarshal response: %w", err))
	}
	return &result, nil
}

// doHTTPCall 执行实际的HTTP调用
func (c *HTTPInvoker) doHTTPCall(ctx context.Context, url string, reqBody []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// Probe 健康探测，实例的/healthz返回200视为健康
func (c *HTTPInvoker) Probe(ctx context.Context, inst *domain.Instance) error {
	url := fmt.Sprintf("%s/healthz", inst.Endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe status %d", resp.StatusCode)
	}
	return nil
}
