// Package audit records account mutations to the store off the request path.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/togetherinbloom/server/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	queueSize     = 1024
	batchSize     = 100
	flushInterval = 2 * time.Second
	writeTimeout  = 5 * time.Second

	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// Entry is one mutation to record. Request and Response are stored as JSON.
type Entry struct {
	TraceID    string
	AccountID  *int64
	Action     string
	Request    any
	Response   any
	Error      string
	IP         string
	DurationMs int
}

func (e Entry) row() *model.AuditLog {
	return &model.AuditLog{
		TraceID:    e.TraceID,
		AccountID:  e.AccountID,
		Action:     e.Action,
		Request:    encode(e.Request),
		Response:   encode(e.Response),
		Error:      e.Error,
		IP:         e.IP,
		DurationMs: e.DurationMs,
	}
}

// Service buffers entries in memory and writes them in batches from a single
// goroutine. Entries are dropped, with a warning, when the buffer is full or
// the service has stopped.
type Service struct {
	db     *gorm.DB
	queue  chan *model.AuditLog
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New starts the writer goroutine. Call Stop to flush and end it.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	s := &Service{
		db:     db,
		queue:  make(chan *model.AuditLog, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Log enqueues e without blocking.
func (s *Service) Log(e Entry) {
	select {
	case <-s.done:
		s.logger.Warn("audit stopped, dropping entry", zap.String("action", e.Action))
		return
	default:
	}
	select {
	case s.queue <- e.row():
	default:
		s.logger.Warn("audit queue full, dropping entry", zap.String("action", e.Action))
	}
}

// Stop flushes what is queued and waits for the writer, giving up when ctx
// ends first. It is safe to call more than once.
func (s *Service) Stop(ctx context.Context) {
	s.closed.Do(func() { close(s.done) })
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		s.logger.Warn("audit stop timed out before flush completed")
	}
}

func (s *Service) run() {
	defer s.wg.Done()
	tick := time.NewTicker(flushInterval)
	defer tick.Stop()

	batch := make([]*model.AuditLog, 0, batchSize)
	for {
		select {
		case row := <-s.queue:
			batch = append(batch, row)
			if len(batch) >= batchSize {
				batch = s.write(batch)
			}
		case <-tick.C:
			batch = s.write(batch)
		case <-s.done:
			for {
				select {
				case row := <-s.queue:
					batch = append(batch, row)
				default:
					s.write(batch)
					return
				}
			}
		}
	}
}

// write stores batch and returns it emptied for reuse.
func (s *Service) write(batch []*model.AuditLog) []*model.AuditLog {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.db.WithContext(ctx).CreateInBatches(batch, batchSize).Error; err != nil {
		s.logger.Error("audit batch write failed", zap.Int("entries", len(batch)), zap.Error(err))
	}
	return batch[:0]
}

// Filter narrows Query. Zero fields do not filter. Action ending in "."
// matches as a prefix, so "partner." returns every partner action.
type Filter struct {
	AccountID int64
	Action    string
	Before    int64
	Limit     int
}

// Query returns stored entries newest first. Entries still queued are not
// visible until the next flush.
func (s *Service) Query(ctx context.Context, f Filter) ([]model.AuditLog, error) {
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = defaultQueryLimit
	case limit > maxQueryLimit:
		limit = maxQueryLimit
	}
	q := s.db.WithContext(ctx).Model(&model.AuditLog{})
	if f.AccountID > 0 {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Action != "" {
		if strings.HasSuffix(f.Action, ".") {
			q = q.Where("action LIKE ?", f.Action+"%")
		} else {
			q = q.Where("action = ?", f.Action)
		}
	}
	if f.Before > 0 {
		q = q.Where("id < ?", f.Before)
	}
	var out []model.AuditLog
	err := q.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// encode marshals v for a JSON column. Nil and unencodable values are stored
// as SQL NULL.
func encode(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
