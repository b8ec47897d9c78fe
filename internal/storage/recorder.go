package storage

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"mockkhttp/internal/logger"
	"mockkhttp/internal/plugin"
)

// FlowRecord 落库的事务记录
type FlowRecord struct {
	ID          uint   `gorm:"primaryKey"`
	FlowID      string `gorm:"index"`
	Method      string
	URL         string
	StatusCode  int
	MockApplied bool
	MockRuleID  string
	Snapshot    string // 完整快照 JSON
	CreatedAt   time.Time
}

// Recorder 把发布的快照持久化到 SQLite。写入在独立工作协程上
// 执行，不占用事务处理协程；规则与 mock 本身不落库。
type Recorder struct {
	db   *gorm.DB
	jobs chan plugin.Snapshot
	wg   sync.WaitGroup
	log  logger.Logger
}

// Open 打开数据库并启动写入协程
func Open(dsn, prefix string, l logger.Logger) (*Recorder, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: prefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&FlowRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r := &Recorder{
		db:   db,
		jobs: make(chan plugin.Snapshot, 64),
		log:  l,
	}
	r.wg.Add(1)
	go r.worker()
	l.Info("流量记录已开启", "dsn", dsn)
	return r, nil
}

// Record 把快照排入写入队列，队列满时丢弃并记录
func (r *Recorder) Record(s plugin.Snapshot) {
	select {
	case r.jobs <- s:
	default:
		r.log.Warn("记录队列已满，丢弃快照", "flowID", s.FlowID)
	}
}

// Close 关闭队列并等待写入完成
func (r *Recorder) Close() error {
	close(r.jobs)
	r.wg.Wait()
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for s := range r.jobs {
		r.store(s)
	}
}

func (r *Recorder) store(s plugin.Snapshot) {
	raw, err := json.Marshal(s)
	if err != nil {
		r.log.Error("序列化快照失败", "flowID", s.FlowID, "error", err)
		return
	}
	// 入库时间直接补进快照 JSON，避免整体重编
	raw, _ = sjson.SetBytes(raw, "recorded_at", time.Now().UnixMilli())

	rec := FlowRecord{
		FlowID:      s.FlowID,
		Method:      s.Request.Method,
		URL:         s.Request.URL,
		MockApplied: s.MockApplied,
		MockRuleID:  s.MockRuleID,
		Snapshot:    string(raw),
	}
	if s.Response != nil {
		rec.StatusCode = s.Response.StatusCode
	}
	if err := r.db.Create(&rec).Error; err != nil {
		r.log.Error("写入事务记录失败", "flowID", s.FlowID, "error", err)
	}
}
