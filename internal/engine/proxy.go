package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"mockkhttp/internal/config"
	"mockkhttp/internal/interceptor"
	"mockkhttp/internal/logger"
	"mockkhttp/pkg/flow"
)

// maxBodyBytes 单个事务体的读取上限
const maxBodyBytes = 10 << 20

// Proxy 演示用明文 HTTP 正向代理，把协调器接到真实流量上。
// TLS 终止与证书管理由外部层负责，这里不处理 CONNECT。
type Proxy struct {
	coord *interceptor.Coordinator
	rt    http.RoundTripper
	srv   *http.Server
	log   logger.Logger
}

// New 创建演示代理
func New(coord *interceptor.Coordinator, l logger.Logger) *Proxy {
	if l == nil {
		l = logger.NewNop()
	}
	return &Proxy{
		coord: coord,
		rt:    &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
		log:   l,
	}
}

// Start 在给定地址上提供代理服务，阻塞直到关闭
func (p *Proxy) Start(addr string) error {
	p.srv = &http.Server{Addr: addr, Handler: p}
	p.log.Info("演示代理已启动", "addr", addr)
	err := p.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 停止代理服务
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.srv == nil {
		return nil
	}
	return p.srv.Shutdown(ctx)
}

// ServeHTTP 每个事务一个处理协程，完成上游往返后交给协调器
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT not supported", http.StatusNotImplemented)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "absolute-form request required", http.StatusBadRequest)
		return
	}

	if p.coord.Mode() == config.ModeDebug {
		p.log.Info("request", "method", r.Method, "url", r.URL.String())
	}

	f, err := buildFlow(r)
	if err != nil {
		http.Error(w, "read request failed", http.StatusBadGateway)
		return
	}

	if err := p.roundTrip(r.Context(), f); err != nil {
		p.log.Warn("上游请求失败", "flowID", f.ID, "error", err)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	// 协调器可能挂起当前协程，恢复后响应字段即为最终状态
	if err := p.coord.OnResponse(r.Context(), f); err != nil {
		http.Error(w, "interception aborted", http.StatusBadGateway)
		return
	}

	writeResponse(w, f.Response)
}

// buildFlow 把引擎请求转换为中立事务模型
func buildFlow(r *http.Request) (*flow.Flow, error) {
	f := flow.New(uuid.NewString())
	f.StartedAt = time.Now()

	req := f.Request
	req.Method = r.Method
	req.URL = r.URL.String()
	req.Host = r.URL.Hostname()
	req.Path = r.URL.Path
	if req.Path == "" {
		req.Path = "/"
	}
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			req.Query[strings.ToLower(key)] = vals[0]
		}
	}
	for key, vals := range r.Header {
		req.Headers.Set(key, strings.Join(vals, ", "))
	}
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		req.Body = body
	}
	return f, nil
}

// roundTrip 访问上游并填充事务的响应部分
func (p *Proxy) roundTrip(ctx context.Context, f *flow.Flow) error {
	var body io.Reader
	if len(f.Request.Body) > 0 {
		body = bytes.NewReader(f.Request.Body)
	}
	outreq, err := http.NewRequestWithContext(ctx, f.Request.Method, f.Request.URL, body)
	if err != nil {
		return err
	}
	for k, v := range f.Request.Headers {
		outreq.Header.Set(k, v)
	}

	resp, err := p.rt.RoundTrip(outreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	res := flow.NewResponse()
	res.StatusCode = resp.StatusCode
	if i := strings.IndexByte(resp.Status, ' '); i >= 0 {
		res.Reason = resp.Status[i+1:]
	}
	for key, vals := range resp.Header {
		res.Headers.Set(key, strings.Join(vals, ", "))
	}
	res.Body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}

	f.Response = res
	f.EndedAt = time.Now()
	return nil
}

// writeResponse 把最终响应状态写回客户端
func writeResponse(w http.ResponseWriter, res *flow.Response) {
	if res == nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	for k, v := range res.Headers {
		if strings.EqualFold(k, "content-length") || strings.EqualFold(k, "transfer-encoding") {
			continue
		}
		w.Header().Set(k, v)
	}
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body)
}
