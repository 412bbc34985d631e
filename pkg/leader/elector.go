// Package leader elects at most one master to run each singleton
// background service. On Postgres the lease is a session advisory lock
// held on a dedicated connection, so it survives exactly as long as the
// session and releases itself when the holder dies. On SQLite there is
// only one master by construction and every lease is granted.
package leader

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/steward-ci/steward/pkg/database"
)

// DefaultPollInterval is how often a non-leader retries acquisition and
// a leader re-verifies its session.
const DefaultPollInterval = 5 * time.Second

// lockNamespace prefixes lease names before hashing so the advisory
// keys cannot collide with other applications on a shared database.
const lockNamespace = "steward/"

// Config tunes an elector.
type Config struct {
	PollInterval time.Duration
}

// Elector runs the poll loop for one named lease. The elected callback
// starts the leased service; the lost callback stops it. A callback
// error resets the leader flag so the next poll retries.
type Elector struct {
	name   string
	client *database.Client
	lockID int64
	poll   time.Duration

	onElected func(context.Context) error
	onLost    func()

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.RWMutex
	leading bool

	// conn pins the advisory lock to one session. Only the run loop and
	// the post-Stop teardown touch it.
	conn *sql.Conn
}

// New creates an elector for a named lease.
func New(client *database.Client, name string, cfg Config) *Elector {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Elector{
		name:   name,
		client: client,
		lockID: lockID(name),
		poll:   poll,
		stopCh: make(chan struct{}),
	}
}

// lockID derives a stable advisory key from the lease name.
func lockID(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(lockNamespace + name))
	return int64(h.Sum64())
}

// SetCallbacks wires the service this lease guards. Must be called
// before Start.
func (e *Elector) SetCallbacks(onElected func(context.Context) error, onLost func()) {
	e.onElected = onElected
	e.onLost = onLost
}

// IsLeader reports whether this master currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leading
}

// Name returns the lease name.
func (e *Elector) Name() string {
	return e.name
}

// Start launches the poll loop.
func (e *Elector) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.run(ctx)
}

// Stop ends the loop; if this master is leading, the service is stopped
// and the lease released.
func (e *Elector) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.relinquish()
}

func (e *Elector) run(ctx context.Context) {
	defer e.wg.Done()

	// First attempt happens right away; a fresh master should not wait a
	// full poll interval to pick up an uncontested lease.
	e.tick(ctx)

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	if e.IsLeader() {
		if e.stillHolding(ctx) {
			return
		}
		slog.Warn("Leadership lost", "lease", e.name)
		e.setLeading(false)
		e.closeConn()
		if e.onLost != nil {
			e.onLost()
		}
		return
	}

	acquired, err := e.acquire(ctx)
	if err != nil {
		slog.Warn("Leader election attempt failed", "lease", e.name, "error", err)
		e.closeConn()
		return
	}
	if !acquired {
		return
	}

	slog.Info("Acquired leadership", "lease", e.name)
	if e.onElected != nil {
		if err := e.onElected(ctx); err != nil {
			slog.Error("Failed to start leased service, releasing lease",
				"lease", e.name, "error", err)
			e.release()
			return
		}
	}
	e.setLeading(true)
}

// acquire makes one non-blocking attempt at the lease.
func (e *Elector) acquire(ctx context.Context) (bool, error) {
	if !e.client.IsPostgres() {
		// Single-writer store: one master, lease granted.
		return true, nil
	}

	if e.conn == nil {
		conn, err := e.client.DB.Conn(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to pin election connection: %w", err)
		}
		e.conn = conn
	}

	var acquired bool
	err := e.conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1)`, e.lockID).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("failed to poll advisory lock: %w", err)
	}
	return acquired, nil
}

// stillHolding verifies the lock session is alive. Session advisory
// locks live exactly as long as their connection.
func (e *Elector) stillHolding(ctx context.Context) bool {
	if !e.client.IsPostgres() {
		return true
	}
	if e.conn == nil {
		return false
	}
	return e.conn.PingContext(ctx) == nil
}

// release unlocks and unpins without touching the leading flag.
func (e *Elector) release() {
	if e.conn != nil && e.client.IsPostgres() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.conn.ExecContext(ctx,
			`SELECT pg_advisory_unlock($1)`, e.lockID); err != nil {
			slog.Debug("Failed to unlock lease, session close will release it",
				"lease", e.name, "error", err)
		}
	}
	e.closeConn()
}

// relinquish is the shutdown path: stop the leased service, then let go
// of the lease.
func (e *Elector) relinquish() {
	if e.IsLeader() {
		e.setLeading(false)
		if e.onLost != nil {
			e.onLost()
		}
	}
	e.release()
}

func (e *Elector) setLeading(leading bool) {
	e.mu.Lock()
	e.leading = leading
	e.mu.Unlock()
}

func (e *Elector) closeConn() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}
