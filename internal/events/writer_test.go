package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpflow/internal/db"
	"helpflow/internal/migrate"
)

type failingSink struct{ err error }

func (f failingSink) Append(context.Context, string, string, Payload) error { return f.err }

type countingSink struct{ n int }

func (c *countingSink) Append(context.Context, string, string, Payload) error {
	c.n++
	return nil
}

func TestWriterAppend(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	w := Writer{DB: conn, Now: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }}
	ctx := WithActor(context.Background(), "operator-1")
	require.NoError(t, w.Append(ctx, TypeApproved, "req-1", Payload{"template_id": "tpl"}))
	require.NoError(t, w.Append(context.Background(), TypeVerified, "req-1", nil))

	rows, err := conn.Query(`SELECT ts,type,COALESCE(actor_id,''),payload_json FROM events ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	type row struct{ ts, typ, actor, payload string }
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.ts, &r.typ, &r.actor, &r.payload))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)
	assert.Equal(t, row{"2026-03-01T12:00:00Z", TypeApproved, "operator-1", `{"template_id":"tpl"}`}, got[0])
	assert.Equal(t, "", got[1].actor)
	assert.Equal(t, "{}", got[1].payload)
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	c := &countingSink{}
	err := Multi{failingSink{boom}, nil, c, Discard{}}.Append(context.Background(), TypeDecided, "req-1", nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.n)
	assert.Equal(t, "", ActorFrom(context.Background()))
}
