// Package store persists finished consultation turns. Writes happen on a
// background worker so the voice pipeline never blocks on the database.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ruchi-nb/full-matata-sub000/internal/platform/errors"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
)

// ConsultationTurn is one completed exchange within a consultation.
type ConsultationTurn struct {
	ID             uint   `gorm:"primaryKey"`
	SessionID      string `gorm:"index"`
	ConsultationID string `gorm:"index"`
	UtteranceSeq   uint64
	Language       string
	Provider       string
	Transcript     string
	Response       string
	SttMS          int64
	TranslateMS    int64
	FirstChunkMS   int64
	TotalMS        int64
	CreatedAt      time.Time
}

// Config selects the database location.
type Config struct {
	Path string
}

// Open initializes the SQLite database and migrates the schema.
func Open(cfg Config) (*gorm.DB, error) {
	path := cfg.Path
	if path == "" {
		path = filepath.Join("data", "consultations.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "open", "create data directory", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "open", "open database", err)
	}

	if err := db.AutoMigrate(&ConsultationTurn{}); err != nil {
		return nil, errors.Wrap(errors.KindStorage, "open", "migrate schema", err)
	}
	return db, nil
}

// Recorder writes turns asynchronously through a bounded queue. When the
// queue is full the turn is dropped and counted; persistence is advisory and
// must never stall a live conversation.
type Recorder struct {
	db      *gorm.DB
	queue   chan ConsultationTurn
	done    chan struct{}
	dropped atomic.Uint64
	logger  *logging.Logger
}

func NewRecorder(db *gorm.DB, queueSize int, logger *logging.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 128
	}
	r := &Recorder{
		db:     db,
		queue:  make(chan ConsultationTurn, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.worker()
	return r
}

// Record enqueues a turn without blocking.
func (r *Recorder) Record(turn ConsultationTurn) {
	select {
	case r.queue <- turn:
	default:
		r.dropped.Add(1)
		r.logger.WarnTag("Store", "record queue full, dropped turn seq=%d session=%s",
			turn.UtteranceSeq, turn.SessionID)
	}
}

// Dropped reports how many turns were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close drains pending turns and stops the worker.
func (r *Recorder) Close() {
	close(r.queue)
	<-r.done
}

func (r *Recorder) worker() {
	defer close(r.done)
	for turn := range r.queue {
		if err := r.db.Create(&turn).Error; err != nil {
			r.logger.ErrorTag("Store", "persist turn failed: %v", err)
		}
	}
}

// TurnsForConsultation loads the stored history of one consultation in order.
func TurnsForConsultation(db *gorm.DB, consultationID string, limit int) ([]ConsultationTurn, error) {
	if limit <= 0 {
		limit = 50
	}
	var turns []ConsultationTurn
	err := db.Where("consultation_id = ?", consultationID).
		Order("utterance_seq asc").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "query",
			fmt.Sprintf("load turns for %s", consultationID), err)
	}
	return turns, nil
}
