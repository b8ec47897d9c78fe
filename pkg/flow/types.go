package flow

import (
	"strings"
	"time"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 复制头部映射
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Request 中立的请求模型
type Request struct {
	Method  string            // HTTP方法
	URL     string            // 完整URL
	Host    string            // 主机名
	Path    string            // 路径
	Headers Header            // 请求头
	Body    []byte            // 请求体原始数据
	Query   map[string]string // 预解析的查询参数
}

// Response 中立的响应模型，上游未回包前为 nil
type Response struct {
	StatusCode int    // 状态码
	Reason     string // 原因短语
	Headers    Header // 响应头
	Body       []byte // 响应体数据
}

// Flow 一次经过代理的请求/响应事务
type Flow struct {
	ID        string         // 事务唯一ID
	Request   *Request       // 请求
	Response  *Response      // 响应，上游回包后才存在
	StartedAt time.Time      // 请求开始时间
	EndedAt   time.Time      // 响应结束时间
	Metadata  map[string]any // mock 应用标记等元数据
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Headers: make(Header),
		Query:   make(map[string]string),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		Headers: make(Header),
	}
}

// New 创建事务对象
func New(id string) *Flow {
	return &Flow{
		ID:       id,
		Request:  NewRequest(),
		Metadata: make(map[string]any),
	}
}

// Duration 事务耗时（秒），无响应时为 0
func (f *Flow) Duration() float64 {
	if f.Response == nil || f.EndedAt.IsZero() {
		return 0
	}
	return f.EndedAt.Sub(f.StartedAt).Seconds()
}
