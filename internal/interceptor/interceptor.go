package interceptor

import (
	"context"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"mockkhttp/internal/codec"
	"mockkhttp/internal/config"
	"mockkhttp/internal/logger"
	"mockkhttp/internal/plugin"
	"mockkhttp/internal/registry"
	"mockkhttp/internal/storage"
	"mockkhttp/pkg/flow"
)

// Coordinator 拦截协调器。引擎在上游响应就绪后调用 OnResponse，
// 根据运行模式决定放行、挂起或替换 mock 响应。
type Coordinator struct {
	mode config.Mode
	reg  *registry.Registry
	cli  *plugin.Client
	rec  *storage.Recorder
	log  logger.Logger
}

// Options 协调器依赖
type Options struct {
	Mode     config.Mode
	Registry *registry.Registry
	Client   *plugin.Client
	Recorder *storage.Recorder // 可选，recording 落库
	Logger   logger.Logger
}

// New 创建协调器
func New(opts Options) *Coordinator {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Coordinator{
		mode: opts.Mode,
		reg:  opts.Registry,
		cli:  opts.Client,
		rec:  opts.Recorder,
		log:  l,
	}
}

// Mode 当前运行模式
func (c *Coordinator) Mode() config.Mode {
	return c.mode
}

// OnResponse 每个事务在响应就绪后恰好调用一次，运行在引擎的
// 事务协程上。debug 模式下挂起当前协程直到恢复信号或 ctx 结束，
// 这是整个系统唯一的挂起点，不会阻塞其他事务或控制面。
func (c *Coordinator) OnResponse(ctx context.Context, f *flow.Flow) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	switch c.mode {
	case config.ModeDebug:
		return c.suspend(ctx, f)
	case config.ModeMockk:
		c.applyMock(f)
		c.emit(f, false)
	default: // recording
		c.emit(f, false)
	}
	return nil
}

// suspend 登记挂起条目、发布快照并等待控制端恢复。
// 事务只会被放行或改写，不会被丢弃。
func (c *Coordinator) suspend(ctx context.Context, f *flow.Flow) error {
	// 登记之前先构建快照，登记后的事务随时可能被控制端变更
	snap := BuildSnapshot(f, true)

	entry, err := c.reg.Put(f.ID, f)
	if err != nil {
		// 不应出现；退化为 recording 行为
		c.log.Warn("登记挂起事务失败", "flowID", f.ID, "error", err)
		c.emit(f, false)
		return nil
	}

	c.log.Info("拦截事务，等待控制端处理", "flowID", f.ID, "method", f.Request.Method, "url", f.Request.URL)
	c.emitSnapshot(snap)

	select {
	case <-entry.Resumed():
		// 变更已在信号触发前应用
		c.log.Info("事务已恢复", "flowID", f.ID)
		return nil
	case <-ctx.Done():
		c.reg.Remove(f.ID)
		c.log.Warn("挂起事务随进程退出释放", "flowID", f.ID)
		return ctx.Err()
	}
}

// applyMock 查询并应用 mock 规则，随后在元数据中记录应用痕迹
func (c *Coordinator) applyMock(f *flow.Flow) {
	rule, ok := c.cli.LookupMock(f.Request.Method, f.Request.Host, f.Request.Path, f.Request.Query)
	if !ok {
		return
	}

	name := gjson.GetBytes(rule, "rule_name").String()
	if name == "" {
		name = "Unknown"
	}
	c.log.Info("应用 mock 规则", "rule", name, "method", f.Request.Method, "url", f.Request.URL)

	ApplyResponsePatch(f, rule)
	f.Metadata["mock_applied"] = true
	f.Metadata["mock_rule_name"] = name
	f.Metadata["mock_rule_id"] = gjson.GetBytes(rule, "rule_id").String()
}

// emit 构建快照并异步发布，recording 落库同样在工作协程上执行
func (c *Coordinator) emit(f *flow.Flow, paused bool) {
	c.emitSnapshot(BuildSnapshot(f, paused))
}

func (c *Coordinator) emitSnapshot(snap plugin.Snapshot) {
	c.cli.Publish(snap)
	if c.rec != nil {
		c.rec.Record(snap)
	}
}

// ApplyResponsePatch 把 mock 规则或恢复变更应用到事务响应。
// 只覆盖载荷中存在的字段；头部为按键 upsert；响应不存在时整体空操作。
func ApplyResponsePatch(f *flow.Flow, patch []byte) {
	if f.Response == nil {
		return
	}
	if v := gjson.GetBytes(patch, "status_code"); v.Exists() {
		f.Response.StatusCode = int(v.Int())
	}
	if v := gjson.GetBytes(patch, "headers"); v.IsObject() {
		v.ForEach(func(key, val gjson.Result) bool {
			f.Response.Headers.Set(key.String(), val.String())
			return true
		})
	}
	if v := gjson.GetBytes(patch, "content"); v.Exists() {
		f.Response.Body = codec.Encode(v.String())
	}
}

// BuildSnapshot 构建事务的 JSON 投影。头部做拷贝：快照在工作协程
// 上序列化，挂起事务的头部可能被并发的 resume 变更。
func BuildSnapshot(f *flow.Flow, paused bool) plugin.Snapshot {
	snap := plugin.Snapshot{
		FlowID: f.ID,
		Paused: paused,
		Request: plugin.RequestSnapshot{
			Method:  f.Request.Method,
			URL:     f.Request.URL,
			Host:    f.Request.Host,
			Path:    f.Request.Path,
			Headers: f.Request.Headers.Clone(),
			Content: codec.Decode(f.Request.Body),
		},
		Timestamp: float64(f.StartedAt.UnixNano()) / 1e9,
		Duration:  f.Duration(),
	}
	if f.Response != nil {
		snap.Response = &plugin.ResponseSnapshot{
			StatusCode: f.Response.StatusCode,
			Reason:     f.Response.Reason,
			Headers:    f.Response.Headers.Clone(),
			Content:    codec.Decode(f.Response.Body),
		}
	}
	if v, ok := f.Metadata["mock_applied"].(bool); ok {
		snap.MockApplied = v
	}
	if v, ok := f.Metadata["mock_rule_name"].(string); ok {
		snap.MockRuleName = v
	}
	if v, ok := f.Metadata["mock_rule_id"].(string); ok {
		snap.MockRuleID = v
	}
	return snap
}
