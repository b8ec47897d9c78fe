package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"mockkhttp/internal/config"
	"mockkhttp/internal/interceptor"
	"mockkhttp/internal/logger"
	"mockkhttp/internal/plugin"
	"mockkhttp/internal/registry"
	"mockkhttp/pkg/flow"
)

// Config 控制面配置
type Config struct {
	Host             string      // 固定回环地址
	Port             int         // 控制面监听端口
	Mode             config.Mode // 只读，用于 /status
	PluginClientPort int         // 控制端监听端口，用于 /status
}

// Server 控制面服务。运行在独立的监听协程上，保证事务挂起时
// 控制端依然能够调用 /resume。
type Server struct {
	e    *echo.Echo
	cfg  Config
	reg  *registry.Registry
	cli  *plugin.Client
	log  logger.Logger
	addr string
}

// statusResponse GET /status 响应体
type statusResponse struct {
	Status           string   `json:"status"`
	Mode             string   `json:"mode"`
	InterceptedCount int      `json:"intercepted_count"`
	InterceptedFlows []string `json:"intercepted_flows"`
	PluginPort       int      `json:"plugin_port"`
	PluginClientPort int      `json:"plugin_client_port"`
}

// resumeRequest POST /resume 请求体
type resumeRequest struct {
	FlowID           string          `json:"flow_id"`
	ModifiedResponse json.RawMessage `json:"modified_response"`
}

// resumeResponse POST /resume 成功响应体
type resumeResponse struct {
	Status string `json:"status"`
	FlowID string `json:"flow_id"`
}

// New 创建控制面服务
func New(cfg Config, reg *registry.Registry, cli *plugin.Client, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{e: e, cfg: cfg, reg: reg, cli: cli, log: l}
	e.GET("/status", s.handleStatus)
	e.GET("/mock-match", s.handleMockMatch)
	e.POST("/resume", s.handleResume)
	return s
}

// Start 绑定端口并在后台协程上开始服务。绑定失败只返回错误，
// 调用方记录后继续运行：控制面不可用不应拖垮代理本身。
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind control server: %w", err)
	}
	s.addr = ln.Addr().String()
	s.e.Listener = ln

	go func() {
		if err := s.e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("控制面服务异常退出", "error", err)
		}
	}()

	s.log.Info("控制面已启动", "addr", s.addr, "mode", string(s.cfg.Mode))
	return nil
}

// Addr 实际监听地址，端口为 0 时由系统分配
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown 停止服务并释放监听资源
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// handleStatus 只读自省：模式、挂起事务、端口配置
func (s *Server) handleStatus(c echo.Context) error {
	ids := s.reg.IDs()
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status:           "running",
		Mode:             string(s.cfg.Mode),
		InterceptedCount: s.reg.Len(),
		InterceptedFlows: ids,
		PluginPort:       s.cfg.Port,
		PluginClientPort: s.cfg.PluginClientPort,
	})
}

// handleMockMatch 把查询原样转发给控制端，失败一律降级为 404 无规则
func (s *Server) handleMockMatch(c echo.Context) error {
	method := c.QueryParam("method")
	rawURL := c.QueryParam("url")
	if method == "" || rawURL == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing method or url parameter"})
	}

	body, ok := s.cli.ForwardMockMatch(method, rawURL)
	if !ok {
		return c.JSONBlob(http.StatusNotFound, []byte("{}"))
	}
	return c.JSONBlob(http.StatusOK, body)
}

// handleResume 应用可选变更并触发恢复信号。未知 id 返回 404，
// 控制端不应对同一 id 重试。
func (s *Server) handleResume(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "read body failed"})
	}

	var req resumeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "malformed body"})
	}
	if req.FlowID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing flow_id"})
	}

	var mutate func(*flow.Flow)
	if len(req.ModifiedResponse) > 0 && string(req.ModifiedResponse) != "null" {
		patch := []byte(req.ModifiedResponse)
		mutate = func(f *flow.Flow) {
			interceptor.ApplyResponsePatch(f, patch)
		}
		s.log.Info("恢复事务并应用变更", "flowID", req.FlowID)
	} else {
		s.log.Info("恢复事务，原样放行", "flowID", req.FlowID)
	}

	if err := s.reg.SignalResume(req.FlowID, mutate); err != nil {
		s.log.Warn("事务不存在，可能已恢复或从未拦截", "flowID", req.FlowID)
		return c.JSON(http.StatusNotFound, echo.Map{"error": "flow not found"})
	}

	return c.JSON(http.StatusOK, resumeResponse{Status: "resumed", FlowID: req.FlowID})
}
