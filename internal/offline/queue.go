// Package offline queues panel writes while the upstream is
// unreachable and replays them in order once connectivity returns.
package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/marzfleet/marzfleet/internal/scanloop"
	"github.com/marzfleet/marzfleet/internal/storage"
)

// ErrConflict is returned (wrapped) by sync handlers when the upstream
// rejects a replay as a duplicate. The operation is parked in
// StatusConflict instead of burning retries.
var ErrConflict = errors.New("operation conflicts with upstream state")

// Operation types.
const (
	OpCreate     = "create"
	OpUpdate     = "update"
	OpDelete     = "delete"
	OpBulkCreate = "bulk_create"
	OpBulkUpdate = "bulk_update"
	OpBulkDelete = "bulk_delete"
)

// Operation statuses. Conflict is terminal: the upstream already holds
// the state the operation wanted, so it is parked for review and
// cleared by the nightly GC like the other terminal rows.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusConflict   = "conflict"
)

const (
	// DefaultSyncInterval is the background drain cadence.
	DefaultSyncInterval = time.Minute
	// DefaultGCSchedule removes old terminal operations nightly at 02:00.
	DefaultGCSchedule = "0 2 * * *"
	// DefaultRetentionDays keeps terminal operations a week.
	DefaultRetentionDays = 7
	// DefaultMaxRetries bounds replay attempts per operation.
	DefaultMaxRetries = 3

	syncJitter = 5 * time.Second
)

// QueuedOperation is one deferred write.
type QueuedOperation struct {
	ID            string          `json:"id"`
	OperationType string          `json:"operation_type"`
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id,omitempty"`
	Data          json.RawMessage `json:"data"`
	CreatedAt     time.Time       `json:"created_at"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	Status        string          `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// SyncStats summarizes queue state and replay history.
type SyncStats struct {
	TotalOperations     int64      `json:"total_operations"`
	PendingOperations   int64      `json:"pending_operations"`
	CompletedOperations int64      `json:"completed_operations"`
	FailedOperations    int64      `json:"failed_operations"`
	LastSyncTime        *time.Time `json:"last_sync_time,omitempty"`
	IsOnline            bool       `json:"is_online"`
}

// SuccessRate is the share of terminal operations that completed.
func (s SyncStats) SuccessRate() float64 {
	done := s.CompletedOperations + s.FailedOperations
	if done == 0 {
		return 0
	}
	return float64(s.CompletedOperations) / float64(done) * 100
}

// SyncHandler replays one queued operation against the upstream. A nil
// return marks the operation completed.
type SyncHandler func(ctx context.Context, op QueuedOperation) error

// Config configures the queue.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// SyncInterval is the drain cadence. Zero means DefaultSyncInterval.
	SyncInterval time.Duration
	// GCSchedule is a cron expression for terminal-row cleanup. Empty
	// means DefaultGCSchedule.
	GCSchedule string
	// RetentionDays is how long terminal rows are kept. Zero means
	// DefaultRetentionDays.
	RetentionDays int
	// MaxRetries bounds replay attempts. Zero means DefaultMaxRetries.
	MaxRetries int
}

// Queue is the durable write queue. All methods are safe for
// concurrent use.
type Queue struct {
	maxRetries    int
	retentionDays int

	mu        sync.Mutex
	db        *sql.DB
	handlers  map[string]SyncHandler
	online    bool
	closed    bool
	total     int64
	completed int64
	failed    int64
	lastSync  time.Time

	now func() time.Time

	gc        *cron.Cron
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the queue database, migrates its schema, reloads persisted
// counters, and starts the sync loop and nightly cleanup. The queue
// starts online.
func New(cfg Config) (*Queue, error) {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.GCSchedule == "" {
		cfg.GCSchedule = DefaultGCSchedule
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	db, err := storage.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := storage.MigrateQueueDB(db); err != nil {
		db.Close()
		return nil, err
	}

	q := &Queue{
		maxRetries:    cfg.MaxRetries,
		retentionDays: cfg.RetentionDays,
		db:            db,
		handlers:      make(map[string]SyncHandler),
		online:        true,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
	q.loadStats()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		scanloop.Run(q.stopCh, cfg.SyncInterval, syncJitter, q.syncTick)
	}()

	q.gc = cron.New()
	if _, err := q.gc.AddFunc(cfg.GCSchedule, func() {
		if n := q.ClearCompletedOperations(q.retentionDays); n > 0 {
			log.Printf("[offline] cleared %d old operations", n)
		}
	}); err != nil {
		q.Close()
		return nil, fmt.Errorf("gc schedule %q: %w", cfg.GCSchedule, err)
	}
	q.gc.Start()

	return q, nil
}

// RegisterSyncHandler installs the replay handler for a resource type.
func (q *Queue) RegisterSyncHandler(resourceType string, handler SyncHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[resourceType] = handler
}

// QueueOperation persists one deferred write and returns its id. When
// the queue is online the operation is replayed immediately in the
// background.
func (q *Queue) QueueOperation(opType, resourceType string, data any, resourceID string) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode operation data: %w", err)
	}

	id := uuid.NewString()
	now := q.now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", fmt.Errorf("queue closed")
	}
	_, err = q.db.Exec(
		`INSERT INTO queued_operations
		 (id, operation_type, resource_type, resource_id, data, created_at_ns, retry_count, max_retries, status, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, '')`,
		id, opType, resourceType, resourceID, string(raw), now.UnixNano(), q.maxRetries, StatusPending,
	)
	if err != nil {
		q.mu.Unlock()
		return "", fmt.Errorf("queue operation: %w", err)
	}
	q.total++
	q.persistStatsLocked()
	online := q.online
	q.mu.Unlock()

	log.Printf("[offline] queued %s %s (%s)", opType, resourceType, id)

	if online {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.syncOne(context.Background(), id)
		}()
	}
	return id, nil
}

// SyncAllPending replays every pending operation in creation order.
// Returns how many synced and how many failed this pass.
func (q *Queue) SyncAllPending(ctx context.Context) (synced, failed int) {
	if !q.Online() {
		log.Printf("[offline] cannot sync while offline")
		return 0, 0
	}

	ids := q.pendingIDs("")
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		switch q.syncOne(ctx, id) {
		case syncedOK:
			synced++
		case syncFailed:
			failed++
		}
	}

	q.mu.Lock()
	q.lastSync = q.now()
	q.persistStatsLocked()
	q.mu.Unlock()

	log.Printf("[offline] sync completed: %d synced, %d failed", synced, failed)
	return synced, failed
}

type syncOutcome int

const (
	syncSkipped syncOutcome = iota
	syncedOK
	syncFailed
)

// syncOne replays a single operation. The row is claimed by an atomic
// pending→in_progress transition, so an id already terminal or being
// replayed elsewhere is a no-op.
func (q *Queue) syncOne(ctx context.Context, id string) syncOutcome {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return syncSkipped
	}
	res, err := q.db.Exec(
		`UPDATE queued_operations SET status = ? WHERE id = ? AND status = ?`,
		StatusInProgress, id, StatusPending,
	)
	if err != nil {
		q.mu.Unlock()
		return syncSkipped
	}
	if n, _ := res.RowsAffected(); n == 0 {
		q.mu.Unlock()
		return syncSkipped
	}

	op, err := q.loadLocked(id)
	if err != nil {
		q.mu.Unlock()
		return syncSkipped
	}
	handler := q.handlers[op.ResourceType]
	q.mu.Unlock()

	if handler == nil {
		log.Printf("[offline] no sync handler for resource type %q", op.ResourceType)
		q.finish(id, StatusPending, op.RetryCount, "no sync handler")
		return syncFailed
	}

	if err := handler(ctx, op); err != nil {
		if errors.Is(err, ErrConflict) {
			q.finish(id, StatusConflict, op.RetryCount, err.Error())
			q.mu.Lock()
			q.completed++
			q.mu.Unlock()
			log.Printf("[offline] operation %s conflicts with upstream state, parked", id)
			return syncedOK
		}
		op.RetryCount++
		if op.RetryCount >= op.MaxRetries {
			q.finish(id, StatusFailed, op.RetryCount, err.Error())
			q.mu.Lock()
			q.failed++
			q.mu.Unlock()
		} else {
			q.finish(id, StatusPending, op.RetryCount, err.Error())
		}
		return syncFailed
	}

	q.finish(id, StatusCompleted, op.RetryCount, "")
	q.mu.Lock()
	q.completed++
	q.mu.Unlock()
	log.Printf("[offline] synced operation %s", id)
	return syncedOK
}

func (q *Queue) finish(id, status string, retryCount int, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.db.Exec(
		`UPDATE queued_operations SET status = ?, retry_count = ?, error_message = ? WHERE id = ?`,
		status, retryCount, errMsg, id,
	)
}

// SetOnline flips connectivity. Coming back online kicks an immediate
// full drain in the background.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	q.mu.Lock()
	changed := q.online != online
	q.online = online
	if changed {
		q.persistStatsLocked()
	}
	q.mu.Unlock()

	if !changed {
		return
	}
	if online {
		log.Printf("[offline] going online, starting sync")
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.SyncAllPending(ctx)
		}()
	} else {
		log.Printf("[offline] going offline, operations will be queued")
	}
}

// Online reports current connectivity.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// PendingOperations lists pending operations in creation order,
// optionally filtered to one resource type.
func (q *Queue) PendingOperations(resourceType string) []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	query := `SELECT id, operation_type, resource_type, resource_id, data, created_at_ns, retry_count, max_retries, status, error_message
	          FROM queued_operations WHERE status = ?`
	args := []any{StatusPending}
	if resourceType != "" {
		query += ` AND resource_type = ?`
		args = append(args, resourceType)
	}
	query += ` ORDER BY created_at_ns ASC`

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var ops []QueuedOperation
	for rows.Next() {
		if op, err := scanOperation(rows); err == nil {
			ops = append(ops, op)
		}
	}
	return ops
}

// Operation returns one queued operation by id.
func (q *Queue) Operation(id string) (QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return QueuedOperation{}, false
	}
	op, err := q.loadLocked(id)
	if err != nil {
		return QueuedOperation{}, false
	}
	return op, true
}

// ClearCompletedOperations deletes terminal operations older than the
// given number of days. Returns how many were removed.
func (q *Queue) ClearCompletedOperations(olderThanDays int) int {
	cutoff := q.now().AddDate(0, 0, -olderThanDays).UnixNano()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	res, err := q.db.Exec(
		`DELETE FROM queued_operations WHERE status IN (?, ?, ?) AND created_at_ns < ?`,
		StatusCompleted, StatusFailed, StatusConflict, cutoff,
	)
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// Stats snapshots the queue counters. Pending is counted live from the
// rows.
func (q *Queue) Stats() SyncStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := SyncStats{
		TotalOperations:     q.total,
		CompletedOperations: q.completed,
		FailedOperations:    q.failed,
		IsOnline:            q.online,
	}
	if !q.lastSync.IsZero() {
		t := q.lastSync
		st.LastSyncTime = &t
	}
	if q.db != nil && !q.closed {
		q.db.QueryRow(`SELECT COUNT(*) FROM queued_operations WHERE status = ?`, StatusPending).
			Scan(&st.PendingOperations)
	}
	return st
}

// Close stops the loops, persists the counters, and closes the
// database.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.stopCh)
		if q.gc != nil {
			q.gc.Stop()
		}
		q.wg.Wait()

		q.mu.Lock()
		defer q.mu.Unlock()
		q.persistStatsLocked()
		q.closed = true
		err = q.db.Close()
	})
	return err
}

func (q *Queue) syncTick() {
	if !q.Online() {
		return
	}
	if q.Stats().PendingOperations == 0 {
		return
	}
	q.SyncAllPending(context.Background())
}

func (q *Queue) pendingIDs(resourceType string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	query := `SELECT id FROM queued_operations WHERE status = ?`
	args := []any{StatusPending}
	if resourceType != "" {
		query += ` AND resource_type = ?`
		args = append(args, resourceType)
	}
	query += ` ORDER BY created_at_ns ASC`

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (q *Queue) loadLocked(id string) (QueuedOperation, error) {
	row := q.db.QueryRow(
		`SELECT id, operation_type, resource_type, resource_id, data, created_at_ns, retry_count, max_retries, status, error_message
		 FROM queued_operations WHERE id = ?`, id,
	)
	return scanOperation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (QueuedOperation, error) {
	var op QueuedOperation
	var data string
	var createdNS int64
	err := row.Scan(
		&op.ID, &op.OperationType, &op.ResourceType, &op.ResourceID, &data,
		&createdNS, &op.RetryCount, &op.MaxRetries, &op.Status, &op.ErrorMessage,
	)
	if err != nil {
		return QueuedOperation{}, err
	}
	op.Data = json.RawMessage(data)
	op.CreatedAt = time.Unix(0, createdNS)
	return op, nil
}

func (q *Queue) loadStats() {
	q.db.QueryRow(
		`SELECT total_operations, completed, failed, last_sync_ns FROM sync_stats WHERE id = 1`,
	).Scan(&q.total, &q.completed, &q.failed, &statsTime{&q.lastSync})
}

func (q *Queue) persistStatsLocked() {
	var lastSync int64
	if !q.lastSync.IsZero() {
		lastSync = q.lastSync.UnixNano()
	}
	q.db.Exec(
		`UPDATE sync_stats SET total_operations = ?, completed = ?, failed = ?, last_sync_ns = ? WHERE id = 1`,
		q.total, q.completed, q.failed, lastSync,
	)
}

// statsTime scans a nanosecond column into a time.Time, zero meaning
// never.
type statsTime struct{ t *time.Time }

func (s *statsTime) Scan(src any) error {
	ns, ok := src.(int64)
	if !ok || ns == 0 {
		return nil
	}
	*s.t = time.Unix(0, ns)
	return nil
}
