package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"calbot/internal/clock"
	"calbot/internal/domain"
)

// SQLite keeps leases in the locks table of the shared store database.
type SQLite struct {
	db  *sql.DB
	clk clock.Clock
}

func NewSQLite(db *sql.DB, clk clock.Clock) *SQLite {
	if clk == nil {
		clk = clock.Real()
	}
	return &SQLite{db: db, clk: clk}
}

func (s *SQLite) Acquire(ctx context.Context, key string, ttl time.Duration) (Guard, error) {
	if key == "" {
		return nil, errEmptyKey
	}
	now := s.clk.Now()
	owner := uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks(key, owner, expires) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET owner=excluded.owner, expires=excluded.expires
		 WHERE locks.expires <= ?`,
		key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w: %v", key, domain.ErrTransientStore, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w: %v", key, domain.ErrTransientStore, err)
	}
	if n != 1 {
		return nil, unavailable(key)
	}
	return &sqlGuard{db: s.db, key: key, owner: owner}, nil
}

// PruneExpired removes leases that expired before now.
func (s *SQLite) PruneExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires <= ?`, s.clk.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune locks: %w: %v", domain.ErrTransientStore, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type sqlGuard struct {
	db    *sql.DB
	key   string
	owner string

	once sync.Once
	err  error
}

func (g *sqlGuard) Key() string { return g.key }

func (g *sqlGuard) Release(ctx context.Context) error {
	g.once.Do(func() {
		_, err := g.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND owner = ?`, g.key, g.owner)
		if err != nil {
			g.err = fmt.Errorf("release %s: %w: %v", g.key, domain.ErrTransientStore, err)
		}
	})
	return g.err
}
