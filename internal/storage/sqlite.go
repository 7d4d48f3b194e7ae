package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"calbot/internal/domain"
	"calbot/internal/recurrence"
	"calbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLite is a Store backed by a SQLite database file. Several processes may
// share one file; the lock package keeps its leases in the same database.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

const eventColumns = `id, calendar_id, name, description, start_ms, end_ms, reminder_ms, repeat, mentions, rsvps`

func OpenSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &SQLite{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// DB exposes the handle so the lock provider can share the database.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) CreateEvent(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if err := ev.Validate(); err != nil {
		return domain.Event{}, err
	}
	ev = Normalize(ev)
	mentions, rsvps, err := encodeLists(ev)
	if err != nil {
		return domain.Event{}, err
	}
	var id any
	if ev.ID != 0 {
		id = ev.ID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(`+eventColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		id, ev.CalendarID, ev.Name, ev.Description, ev.Start.UnixMilli(), ev.End.UnixMilli(),
		reminderMS(ev.Reminder), ev.Repeat.String(), mentions, rsvps,
	)
	if err != nil {
		return domain.Event{}, transient("create event", err)
	}
	if ev.ID == 0 {
		if ev.ID, err = res.LastInsertId(); err != nil {
			return domain.Event{}, transient("create event", err)
		}
	}
	return ev, nil
}

func (s *SQLite) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, notFound("event", id)
	}
	if err != nil {
		return domain.Event{}, transient("get event", err)
	}
	return ev, nil
}

func (s *SQLite) UpdateEvent(ctx context.Context, ev domain.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	ev = Normalize(ev)
	mentions, rsvps, err := encodeLists(ev)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET calendar_id=?, name=?, description=?, start_ms=?, end_ms=?, reminder_ms=?, repeat=?, mentions=?, rsvps=?
		 WHERE id = ?`,
		ev.CalendarID, ev.Name, ev.Description, ev.Start.UnixMilli(), ev.End.UnixMilli(),
		reminderMS(ev.Reminder), ev.Repeat.String(), mentions, rsvps, ev.ID,
	)
	if err != nil {
		return transient("update event", err)
	}
	return affectedOrNotFound(res, "event", ev.ID)
}

func (s *SQLite) DeleteEvent(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return transient("delete event", err)
	}
	return affectedOrNotFound(res, "event", id)
}

func (s *SQLite) ListByCalendar(ctx context.Context, calendarID int64) ([]domain.Event, error) {
	return s.queryEvents(ctx, "list by calendar",
		`SELECT `+eventColumns+` FROM events WHERE calendar_id = ? ORDER BY start_ms, id`, calendarID)
}

func (s *SQLite) ListNear(ctx context.Context, calendarIDs []int64, now time.Time, horizon time.Duration) ([]domain.Event, error) {
	if len(calendarIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(calendarIDs)
	limit := now.Add(horizon).UnixMilli()
	args = append(args, now.UnixMilli(), limit, limit)
	return s.queryEvents(ctx, "list near",
		`SELECT `+eventColumns+` FROM events
		 WHERE calendar_id IN (`+in+`) AND end_ms > ?
		   AND (start_ms <= ? OR (reminder_ms IS NOT NULL AND reminder_ms <= ?))
		 ORDER BY start_ms, id`, args...)
}

func (s *SQLite) ListEnded(ctx context.Context, calendarIDs []int64, now time.Time) ([]domain.Event, error) {
	if len(calendarIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(calendarIDs)
	args = append(args, now.UnixMilli())
	return s.queryEvents(ctx, "list ended",
		`SELECT `+eventColumns+` FROM events WHERE calendar_id IN (`+in+`) AND end_ms <= ? ORDER BY start_ms, id`, args...)
}

func (s *SQLite) queryEvents(ctx context.Context, op, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, transient(op, err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, transient(op, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, transient(op, err)
	}
	return out, nil
}

func (s *SQLite) PutCalendar(ctx context.Context, c domain.Calendar) error {
	if _, err := recurrence.LoadTimezone(c.Timezone); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendars(id, chat_id, timezone, default_channel, prefix) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET chat_id=excluded.chat_id, timezone=excluded.timezone,
		   default_channel=excluded.default_channel, prefix=excluded.prefix`,
		c.ID, c.ChatID, c.Timezone, c.DefaultChannel, c.Prefix,
	)
	if err != nil {
		return transient("put calendar", err)
	}
	return nil
}

func (s *SQLite) GetCalendar(ctx context.Context, id int64) (domain.Calendar, error) {
	var c domain.Calendar
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, timezone, default_channel, prefix FROM calendars WHERE id = ?`, id,
	).Scan(&c.ID, &c.ChatID, &c.Timezone, &c.DefaultChannel, &c.Prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Calendar{}, notFound("calendar", id)
	}
	if err != nil {
		return domain.Calendar{}, transient("get calendar", err)
	}
	return c, nil
}

func (s *SQLite) GetTimezone(ctx context.Context, calendarID int64) (*time.Location, error) {
	c, err := s.GetCalendar(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	return recurrence.LoadTimezone(c.Timezone)
}

func (s *SQLite) GetDefaultChannel(ctx context.Context, calendarID int64) (int64, error) {
	c, err := s.GetCalendar(ctx, calendarID)
	if err != nil {
		return 0, err
	}
	return c.DefaultChannel, nil
}

func (s *SQLite) ListCalendarIDs(ctx context.Context, shardID, shardCount int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, chat_id FROM calendars ORDER BY id`)
	if err != nil {
		return nil, transient("list calendars", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id, chatID int64
		if err := rows.Scan(&id, &chatID); err != nil {
			return nil, transient("list calendars", err)
		}
		if domain.ShardFor(chatID, shardCount) == shardID {
			out = append(out, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list calendars", err)
	}
	return out, nil
}

func (s *SQLite) ClaimFired(ctx context.Context, key string, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO fired(key, until) VALUES(?,?)`, key, until.UnixMilli())
	if err != nil {
		return false, transient("claim fired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, transient("claim fired", err)
	}
	return n == 1, nil
}

func (s *SQLite) ReleaseFired(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fired WHERE key = ?`, key); err != nil {
		return transient("release fired", err)
	}
	return nil
}

func (s *SQLite) PruneFired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fired WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, transient("prune fired", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (domain.Event, error) {
	var (
		ev              domain.Event
		startMS, endMS  int64
		reminder        sql.NullInt64
		repeat          string
		mentions, rsvps string
	)
	if err := sc.Scan(&ev.ID, &ev.CalendarID, &ev.Name, &ev.Description, &startMS, &endMS, &reminder, &repeat, &mentions, &rsvps); err != nil {
		return domain.Event{}, err
	}
	ev.Start = time.UnixMilli(startMS).UTC()
	ev.End = time.UnixMilli(endMS).UTC()
	if reminder.Valid {
		r := time.UnixMilli(reminder.Int64).UTC()
		ev.Reminder = &r
	}
	rule, err := domain.ParseRepeatRule(repeat)
	if err != nil {
		return domain.Event{}, err
	}
	ev.Repeat = rule
	if err := json.Unmarshal([]byte(mentions), &ev.Mentions); err != nil {
		return domain.Event{}, fmt.Errorf("decode mentions of event %d: %w", ev.ID, err)
	}
	if err := json.Unmarshal([]byte(rsvps), &ev.RSVPs); err != nil {
		return domain.Event{}, fmt.Errorf("decode rsvps of event %d: %w", ev.ID, err)
	}
	return ev, nil
}

func encodeLists(ev domain.Event) (string, string, error) {
	mentions := ev.Mentions
	if mentions == nil {
		mentions = []domain.Mention{}
	}
	rsvps := ev.RSVPs
	if rsvps == nil {
		rsvps = []domain.RSVP{}
	}
	m, err := json.Marshal(mentions)
	if err != nil {
		return "", "", err
	}
	r, err := json.Marshal(rsvps)
	if err != nil {
		return "", "", err
	}
	return string(m), string(r), nil
}

func reminderMS(r *time.Time) any {
	if r == nil {
		return nil
	}
	return r.UnixMilli()
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func affectedOrNotFound(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return transient(kind, err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}
