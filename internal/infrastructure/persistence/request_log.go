package persistence

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/modelgate/modelgate/internal/infrastructure/pipeline"
)

// RequestRecord is one completed request in the log. One row per request,
// upserted as the observation events arrive.
type RequestRecord struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	RequestID    string    `gorm:"uniqueIndex;size:64"`
	Model        string    `gorm:"size:128"`
	Category     string    `gorm:"size:32;index"`
	Pipeline     string    `gorm:"size:128;index"`
	Provider     string    `gorm:"size:32"`
	Stream       bool
	Attempts     int
	LatencyMs    float64
	InputTokens  int
	OutputTokens int
	StopReason   string `gorm:"size:32"`
	Error        string `gorm:"size:1024"`
	ErrorKind    string `gorm:"size:48"`
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

func (RequestRecord) TableName() string { return "request_log" }

// RequestLog persists request outcomes from the observation stream. Rows
// are accumulated in memory per request id and written once the request
// reaches a terminal event, so the hot path never waits on the database.
type RequestLog struct {
	db     *gorm.DB
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*RequestRecord
}

var _ pipeline.Sink = (*RequestLog)(nil)

// NewRequestLog creates the persistence sink.
func NewRequestLog(db *gorm.DB, logger *zap.Logger) *RequestLog {
	return &RequestLog{
		db:      db,
		logger:  logger.With(zap.String("component", "request-log")),
		pending: make(map[string]*RequestRecord),
	}
}

func (l *RequestLog) Name() string { return "request-log" }

// Consume folds one observation event into the pending record, flushing on
// terminal events.
func (l *RequestLog) Consume(ev pipeline.Event) {
	if ev.RequestID == "" {
		return
	}

	l.mu.Lock()
	rec, ok := l.pending[ev.RequestID]
	if !ok {
		rec = &RequestRecord{RequestID: ev.RequestID, CreatedAt: ev.Time}
		l.pending[ev.RequestID] = rec
	}

	switch ev.Type {
	case pipeline.EventRequestReceived:
		rec.Model = ev.Model
		rec.Stream = ev.Stream
	case pipeline.EventCategoryChosen:
		rec.Category = string(ev.Category)
	case pipeline.EventBackendSelected:
		rec.Pipeline = ev.Pipeline
		rec.Provider = ev.Provider
		rec.Attempts = ev.Attempt
	case pipeline.EventUpstreamEnd:
		rec.LatencyMs = ev.LatencyMs
		rec.InputTokens = ev.InputTokens
		rec.OutputTokens = ev.OutputTokens
		rec.StopReason = ev.StopReason
	case pipeline.EventResponseSent:
		now := ev.Time
		rec.CompletedAt = &now
		delete(l.pending, ev.RequestID)
		l.mu.Unlock()
		l.flush(rec)
		return
	case pipeline.EventError:
		rec.Error = ev.Error
		rec.ErrorKind = ev.ErrorKind
		now := ev.Time
		rec.CompletedAt = &now
		delete(l.pending, ev.RequestID)
		l.mu.Unlock()
		l.flush(rec)
		return
	}
	l.mu.Unlock()
}

func (l *RequestLog) flush(rec *RequestRecord) {
	if err := l.db.Create(rec).Error; err != nil {
		l.logger.Warn("Failed to persist request record",
			zap.String("request_id", rec.RequestID),
			zap.Error(err))
	}
}

// Recent returns the newest records, capped at limit.
func (l *RequestLog) Recent(limit int) ([]RequestRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []RequestRecord
	err := l.db.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
