package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"mockkhttp/internal/logger"
)

// RequestSnapshot 快照中的请求部分
type RequestSnapshot struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Host    string            `json:"host"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Content string            `json:"content"`
}

// ResponseSnapshot 快照中的响应部分
type ResponseSnapshot struct {
	StatusCode int               `json:"status_code"`
	Reason     string            `json:"reason"`
	Headers    map[string]string `json:"headers"`
	Content    string            `json:"content"`
}

// Snapshot 发送给控制端的事务快照
type Snapshot struct {
	FlowID       string            `json:"flow_id"`
	Paused       bool              `json:"paused"`
	Request      RequestSnapshot   `json:"request"`
	Response     *ResponseSnapshot `json:"response"`
	Timestamp    float64           `json:"timestamp"`
	Duration     float64           `json:"duration"`
	MockApplied  bool              `json:"mock_applied"`
	MockRuleName string            `json:"mock_rule_name"`
	MockRuleID   string            `json:"mock_rule_id"`
}

// Config 客户端配置
type Config struct {
	Host      string
	Port      int
	QueueSize int // publish 队列深度，默认 64
	Workers   int // publish 工作协程数，默认 2
	Logger    logger.Logger
}

// Client 控制端出站客户端。publish 为 fire-and-forget，
// 在独立工作协程上执行，绝不阻塞事务处理协程。
type Client struct {
	base    string
	publish *http.Client
	lookup  *http.Client
	jobs    chan Snapshot
	wg      sync.WaitGroup
	closed  chan struct{}
	log     logger.Logger
}

// New 创建客户端并启动 publish 工作协程
func New(cfg Config) *Client {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 64
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	c := &Client{
		base:    fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		publish: &http.Client{Timeout: 2 * time.Second},
		lookup:  &http.Client{Timeout: 1 * time.Second},
		jobs:    make(chan Snapshot, queue),
		closed:  make(chan struct{}),
		log:     l,
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Publish 把快照排入发送队列，队列满或已关闭时丢弃并记录
func (c *Client) Publish(s Snapshot) {
	select {
	case <-c.closed:
		return
	case c.jobs <- s:
	default:
		c.log.Warn("publish 队列已满，丢弃快照", "flowID", s.FlowID)
	}
}

// LookupMock 向控制端查询 mock 规则。查询参数使用拆解后的
// method/host/path 与 query_ 前缀的查询项，避免整条 URL 的转义歧义。
// 任何失败都归结为"无规则"。
func (c *Client) LookupMock(method, host, path string, query map[string]string) ([]byte, bool) {
	params := url.Values{}
	params.Set("method", method)
	params.Set("host", host)
	if path == "" {
		path = "/"
	}
	params.Set("path", path)
	for k, v := range query {
		params.Set("query_"+k, v)
	}

	body, ok := c.get("/mock-match?" + params.Encode())
	if !ok {
		return nil, false
	}
	return body, true
}

// ForwardMockMatch 原样转发控制面收到的 method+url 查询，
// 控制端 200 即有规则，其余情况均视为无规则
func (c *Client) ForwardMockMatch(method, rawURL string) ([]byte, bool) {
	params := url.Values{}
	params.Set("method", method)
	params.Set("url", rawURL)
	return c.get("/mock-match?" + params.Encode())
}

// Close 停止工作协程并等待在途 publish 完成，剩余排队快照丢弃
func (c *Client) Close() {
	close(c.closed)
	c.wg.Wait()
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case s := <-c.jobs:
			c.send(s)
		case <-c.closed:
			return
		}
	}
}

// send 执行一次 POST /intercept，失败只记日志不重试
func (c *Client) send(s Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		c.log.Error("序列化快照失败", "flowID", s.FlowID, "error", err)
		return
	}
	resp, err := c.publish.Post(c.base+"/intercept", "application/json", bytes.NewReader(data))
	if err != nil {
		c.log.Warn("无法连接控制端，快照丢弃", "flowID", s.FlowID, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("控制端返回非 200", "flowID", s.FlowID, "status", resp.StatusCode)
		return
	}
	c.log.Debug("snapshot_sent", "flowID", s.FlowID, "paused", s.Paused)
}

func (c *Client) get(pathAndQuery string) ([]byte, bool) {
	resp, err := c.lookup.Get(c.base + pathAndQuery)
	if err != nil {
		c.log.Debug("mock_lookup_failed", "error", err)
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	// 空对象视为无规则
	if res := gjson.ParseBytes(body); res.IsObject() && len(res.Map()) == 0 {
		return nil, false
	}
	return body, true
}
