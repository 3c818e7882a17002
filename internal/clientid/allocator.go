// Package clientid leases broker client ids from a role-scoped pool using
// filesystem lock files. The lock file is the only cross-process
// coordination primitive: creation with O_EXCL claims the id, unlink
// releases it, and an mtime older than the TTL marks a lease abandoned by
// a crashed process.
package clientid

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"
)

// ErrNoClientID is returned when every id in the pool is claimed.
var ErrNoClientID = errors.New("no client id available in pool")

// Config describes one id pool.
type Config struct {
	Role      string
	Min       int
	Max       int
	Randomize bool
	StateDir  string
	LockTTL   time.Duration
}

// Allocator claims and releases ids for one role.
type Allocator struct {
	cfg    Config
	logger *slog.Logger
}

// Lease is a held client id. Release is idempotent.
type Lease struct {
	ID   int
	path string
}

type lockBody struct {
	PID       int       `json:"pid"`
	Role      string    `json:"role"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// New creates an allocator. The state directory is created on first claim.
func New(cfg Config, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return &Allocator{cfg: cfg, logger: logger}
}

// Claim returns the first id in the pool it can lock. Candidate order is
// sequential, or shuffled when Randomize is set so parallel processes do
// not contend on the same ids.
func (a *Allocator) Claim() (*Lease, error) {
	if err := os.MkdirAll(a.cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	for _, id := range a.candidates() {
		lease, ok, err := a.tryClaim(id)
		if err != nil {
			return nil, err
		}
		if ok {
			a.logger.Debug("claimed client id", "role", a.cfg.Role, "id", id)
			return lease, nil
		}
	}
	return nil, ErrNoClientID
}

// candidates produces the id order to attempt.
func (a *Allocator) candidates() []int {
	n := a.cfg.Max - a.cfg.Min + 1
	if n < 1 {
		return nil
	}
	ids := make([]int, n)
	for i := range ids {
		ids[i] = a.cfg.Min + i
	}
	if a.cfg.Randomize {
		rand.Shuffle(n, func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	}
	return ids
}

// tryClaim attempts exclusive creation of the lock file, reclaiming a
// stale lock once before giving up on the id.
func (a *Allocator) tryClaim(id int) (*Lease, bool, error) {
	path := a.lockPath(id)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			body, _ := json.Marshal(lockBody{
				PID:       os.Getpid(),
				Role:      a.cfg.Role,
				ClaimedAt: time.Now().UTC(),
			})
			f.Write(body)
			f.Close()
			return &Lease{ID: id, path: path}, true, nil
		}
		if !os.IsExist(err) {
			return nil, false, fmt.Errorf("create lock %s: %w", path, err)
		}

		// Held by someone. Stale if the file hasn't been touched within TTL.
		info, statErr := os.Stat(path)
		if statErr != nil {
			// Raced with a release; retry the create.
			continue
		}
		if time.Since(info.ModTime()) < a.cfg.LockTTL {
			return nil, false, nil
		}

		a.logger.Warn("reclaiming stale client id lock",
			"role", a.cfg.Role,
			"id", id,
			"age", time.Since(info.ModTime()),
		)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, false, fmt.Errorf("remove stale lock %s: %w", path, rmErr)
		}
	}
	return nil, false, nil
}

func (a *Allocator) lockPath(id int) string {
	return filepath.Join(a.cfg.StateDir, fmt.Sprintf("%s-%d.lock", a.cfg.Role, id))
}

// Release unlinks the lock file. Safe to call more than once.
func (l *Lease) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
