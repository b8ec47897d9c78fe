package registry

import (
	"errors"
	"sync"

	"mockkhttp/internal/logger"
	"mockkhttp/pkg/flow"
)

var (
	// ErrDuplicateFlow 事务已在挂起表中
	ErrDuplicateFlow = errors.New("flow already pending")
	// ErrFlowNotFound 事务不在挂起表中（已恢复或从未拦截）
	ErrFlowNotFound = errors.New("flow not found")
)

// Entry 一条挂起中的事务记录
type Entry struct {
	ID     string
	Flow   *flow.Flow
	resume chan struct{} // 单次触发的恢复信号
}

// Resumed 返回恢复信号，协调器在其上等待
func (e *Entry) Resumed() <-chan struct{} {
	return e.resume
}

// Registry 挂起事务注册表，控制面与事务协程之间唯一的共享可变状态
type Registry struct {
	mu      sync.RWMutex
	pending map[string]*Entry
	log     logger.Logger
}

// New 创建注册表
func New(l logger.Logger) *Registry {
	if l == nil {
		l = logger.NewNop()
	}
	return &Registry{
		pending: make(map[string]*Entry),
		log:     l,
	}
}

// Put 登记挂起事务，id 已存在时返回 ErrDuplicateFlow
func (r *Registry) Put(id string, f *flow.Flow) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; ok {
		return nil, ErrDuplicateFlow
	}
	e := &Entry{ID: id, Flow: f, resume: make(chan struct{})}
	r.pending[id] = e
	return e, nil
}

// Get 查找挂起事务
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.pending[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return e, nil
}

// Remove 移除挂起事务，不存在时为空操作
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// SignalResume 应用变更并触发恢复信号，随后移除该条目。
// 变更在持锁状态下、信号触发之前应用，close(chan) 的
// happens-before 语义保证等待方看到变更后的事务。
func (r *Registry) SignalResume(id string, mutate func(*flow.Flow)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[id]
	if !ok {
		return ErrFlowNotFound
	}
	delete(r.pending, id)
	if mutate != nil {
		mutate(e.Flow)
	}
	close(e.resume)
	r.log.Debug("resume_signaled", "flowID", id)
	return nil
}

// Len 当前挂起事务数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// IDs 当前挂起事务 ID 列表
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	return ids
}
