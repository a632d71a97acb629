// Package journal persists the engine's event stream so clients can page
// through deposit, offset and pool updates after the fact.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stabilitypool/core/events"
	"stabilitypool/core/types"
	"stabilitypool/observability"
)

const (
	defaultPageSize  = 100
	maxPageSize      = 1000
	subscriberBuffer = 64
)

// Record is the persisted form of one event.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   int64     `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"index;not null"`
	Attributes string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index"`
}

// TableName pins the table name independent of the struct name.
func (Record) TableName() string { return "stability_events" }

// Entry is the API view of a record.
type Entry struct {
	ID         string            `json:"id"`
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Query filters a page of the journal. After is an exclusive sequence cursor.
type Query struct {
	Type  string
	After int64
	Limit int
}

// Open connects to the configured journal database.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
}

// Journal implements events.Emitter on top of a gorm database. Emit never
// fails the caller: write errors are logged and counted.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seq  int64
	subs map[*subscriber]struct{}
}

type subscriber struct {
	eventType string
	ch        chan Entry
}

// New migrates the schema and resumes the sequence counter.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	var last struct{ Max *int64 }
	if err := db.Model(&Record{}).Select("MAX(sequence) AS max").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("journal: resume sequence: %w", err)
	}
	j := &Journal{
		db:     db,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
		subs:   make(map[*subscriber]struct{}),
	}
	if last.Max != nil {
		j.seq = *last.Max
	}
	return j, nil
}

// Emit records the event.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if err := j.Append(context.Background(), evt); err != nil {
		observability.Journal().RecordFailure(evt.EventType())
		j.logger.Warn("journal append failed",
			slog.String("type", evt.EventType()),
			slog.Any("error", err))
		return
	}
	observability.Journal().RecordEvent(evt.EventType())
}

// Append writes the event and returns any persistence error.
func (j *Journal) Append(ctx context.Context, evt events.Event) error {
	rendered := render(evt)
	attrs, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := Record{
		ID:         uuid.New(),
		Sequence:   j.seq + 1,
		Type:       rendered.Type,
		Attributes: string(attrs),
		CreatedAt:  j.now(),
	}
	if err := j.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return err
	}
	j.seq = rec.Sequence
	j.publish(entryFrom(rec, rendered.Attributes))
	return nil
}

// Subscribe delivers entries appended after the call, optionally filtered by
// type. A subscriber that falls subscriberBuffer entries behind is dropped and
// its channel closed; it should resume from its last sequence with List.
// cancel releases the subscription and may be called more than once.
func (j *Journal) Subscribe(eventType string) (<-chan Entry, func()) {
	sub := &subscriber{eventType: strings.TrimSpace(eventType), ch: make(chan Entry, subscriberBuffer)}
	j.mu.Lock()
	j.subs[sub] = struct{}{}
	j.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			j.mu.Lock()
			j.drop(sub)
			j.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// publish fans entry out to subscribers. Callers hold j.mu.
func (j *Journal) publish(entry Entry) {
	for sub := range j.subs {
		if sub.eventType != "" && sub.eventType != entry.Type {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			j.logger.Warn("journal subscriber lagging, dropped", slog.Int64("sequence", entry.Sequence))
			j.drop(sub)
		}
	}
}

func (j *Journal) drop(sub *subscriber) {
	if _, ok := j.subs[sub]; !ok {
		return
	}
	delete(j.subs, sub)
	close(sub.ch)
}

// List returns events in sequence order.
func (j *Journal) List(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	tx := j.db.WithContext(ctx).Model(&Record{}).Where("sequence > ?", q.After)
	if t := strings.TrimSpace(q.Type); t != "" {
		tx = tx.Where("type = ?", t)
	}
	var records []Record
	if err := tx.Order("sequence ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	out := make([]Entry, 0, len(records))
	for _, rec := range records {
		attrs := map[string]string{}
		if err := json.Unmarshal([]byte(rec.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("journal: decode %s: %w", rec.ID, err)
		}
		out = append(out, entryFrom(rec, attrs))
	}
	return out, nil
}

func entryFrom(rec Record, attrs map[string]string) Entry {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return Entry{
		ID:         rec.ID.String(),
		Sequence:   rec.Sequence,
		Type:       rec.Type,
		Attributes: attrs,
		CreatedAt:  rec.CreatedAt.UTC(),
	}
}

func render(evt events.Event) *types.Event {
	if r, ok := evt.(events.Renderable); ok {
		if rendered := r.Event(); rendered != nil {
			return rendered
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
