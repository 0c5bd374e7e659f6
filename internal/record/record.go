// Package record writes session transcripts to a SQLite database.
package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/philsphicas/turnrelay/internal/relay"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Message kinds.
const (
	KindHandshake = "handshake"
	KindInitial   = "initial"
	KindAction    = "action"
	KindResult    = "result"
)

// Directions, seen from the relay.
const (
	DirIn  = "in"
	DirOut = "out"
)

// SessionRecord is one session.
type SessionRecord struct {
	ID        string `gorm:"primaryKey"`
	Remote0   string
	Remote1   string
	StartedAt time.Time
	EndedAt   *time.Time
	Cycles    int
	Outcome   string
	Error     string
}

func (SessionRecord) TableName() string { return "sessions" }

// MessageRecord is one line read from or written to a player.
type MessageRecord struct {
	ID        uint64 `gorm:"primaryKey"`
	SessionID string `gorm:"index; not null"`
	Seq       int    `gorm:"not null"`
	Cycle     int
	Seat      int
	Direction string
	Kind      string
	Payload   string
	CreatedAt time.Time
}

func (MessageRecord) TableName() string { return "messages" }

// Store is a relay.Reporter persisting every session event. Write
// failures are logged and never reach the session.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	mu  sync.Mutex
	seq map[string]int
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open record database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open record database: %w", err)
	}
	// SQLite allows one writer; sessions report concurrently.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&SessionRecord{}, &MessageRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate record database: %w", err)
	}
	return &Store{db: db, logger: logger, seq: make(map[string]int)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Report records ev.
func (s *Store) Report(ctx context.Context, ev relay.Event) {
	// A session cancelled mid-game is still recorded.
	db := s.db.WithContext(context.WithoutCancel(ctx))
	var err error
	switch ev.Kind {
	case relay.EventStarted:
		err = db.Create(&SessionRecord{
			ID:        ev.Session,
			Remote0:   ev.Remote[0],
			Remote1:   ev.Remote[1],
			StartedAt: ev.Time,
		}).Error
	case relay.EventHandshake:
		err = s.insert(db, ev, []MessageRecord{
			{Seat: 0, Direction: DirIn, Kind: KindHandshake, Payload: ev.Payloads[0]},
			{Seat: 1, Direction: DirIn, Kind: KindHandshake, Payload: ev.Payloads[1]},
		})
	case relay.EventInitial:
		err = s.insert(db, ev, []MessageRecord{
			{Seat: 0, Direction: DirOut, Kind: KindInitial, Payload: ev.Payloads[0]},
			{Seat: 1, Direction: DirOut, Kind: KindInitial, Payload: ev.Payloads[1]},
		})
	case relay.EventCycle:
		active, passive := ev.Seat, 1-ev.Seat
		err = s.insert(db, ev, []MessageRecord{
			{Seat: active, Direction: DirIn, Kind: KindAction, Payload: ev.Action},
			{Seat: active, Direction: DirOut, Kind: KindResult, Payload: ev.Payloads[active]},
			{Seat: passive, Direction: DirOut, Kind: KindResult, Payload: ev.Payloads[passive]},
		})
	case relay.EventEnded:
		s.mu.Lock()
		delete(s.seq, ev.Session)
		s.mu.Unlock()

		ended := ev.Time
		updates := map[string]any{
			"ended_at": &ended,
			"cycles":   ev.Cycles,
			"outcome":  ev.Outcome,
		}
		if ev.Err != nil {
			updates["error"] = ev.Err.Error()
		}
		err = db.Model(&SessionRecord{ID: ev.Session}).Updates(updates).Error
	}
	if err != nil {
		s.logger.Warn("failed to record session event",
			"session", ev.Session, "event", string(ev.Kind), "error", err)
	}
}

func (s *Store) insert(db *gorm.DB, ev relay.Event, msgs []MessageRecord) error {
	s.mu.Lock()
	for i := range msgs {
		s.seq[ev.Session]++
		msgs[i].Seq = s.seq[ev.Session]
		msgs[i].SessionID = ev.Session
		msgs[i].Cycle = ev.Cycle
		msgs[i].CreatedAt = ev.Time
	}
	s.mu.Unlock()
	return db.Create(&msgs).Error
}

// Session returns the record of one session, or nil if there is none.
func (s *Store) Session(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Transcript returns the messages of one session in the order they were
// relayed.
func (s *Store) Transcript(ctx context.Context, id string) ([]MessageRecord, error) {
	var msgs []MessageRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", id).Order("seq").Find(&msgs).Error
	return msgs, err
}
