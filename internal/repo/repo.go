package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"helpflow/internal/domain"
	"helpflow/internal/kv"
)

var _ kv.Port = Repo{}

// Repo is the SQLite-backed durable store: kv entries and the workflow event log.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (r Repo) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r Repo) Set(ctx context.Context, key, value string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO kv_entries(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, r.now())
	return err
}

func (r Repo) Remove(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM kv_entries WHERE key=?`, key)
	return err
}

// Entry is one stored kv row.
type Entry struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at"`
}

// ListEntries returns kv rows whose key starts with prefix, ordered by key.
func (r Repo) ListEntries(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value,updated_at FROM kv_entries WHERE key LIKE ? ESCAPE '\' ORDER BY key`, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// RequestIDs lists help-request ids that have any persisted state.
func (r Repo) RequestIDs(ctx context.Context) ([]string, error) {
	entries, err := r.ListEntries(ctx, kv.Namespace)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var ids []string
	for _, e := range entries {
		rest := strings.TrimPrefix(e.Key, kv.Namespace)
		id, _, ok := strings.Cut(rest, "/")
		if !ok || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func (r Repo) ListEvents(ctx context.Context, requestID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,request_id,COALESCE(actor_id,''),payload_json FROM events`
	var args []any
	if requestID != "" {
		query += ` WHERE request_id=?`
		args = append(args, requestID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns up to limit events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,request_id,COALESCE(actor_id,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// Event returns one event by id.
func (r Repo) Event(ctx context.Context, id int64) (domain.Event, error) {
	items, err := r.queryEvents(ctx, `SELECT id,ts,type,request_id,COALESCE(actor_id,''),payload_json FROM events WHERE id=?`, id)
	if err != nil {
		return domain.Event{}, err
	}
	if len(items) == 0 {
		return domain.Event{}, ErrNotFound
	}
	return items[0], nil
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RequestID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
