// Package sqlstore implements store.Store over database/sql for SQLite and Postgres.
// Timestamps are stored as unix milliseconds so range predicates compare the same
// way on both engines.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anji4cp/streamnexus/internal/store"
	"github.com/anji4cp/streamnexus/internal/stream"
)

// Dialect selects placeholder style and DDL types.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// DB implements store.Store.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*DB)(nil)

func New(db *sql.DB, d Dialect) *DB { return &DB{db: db, dialect: d} }

// SQL exposes the underlying handle (history sinks may share it).
func (s *DB) SQL() *sql.DB { return s.db }

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) EnsureSchema(ctx context.Context) error {
	autoID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == Postgres {
		autoID = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams(
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			content_ref TEXT NOT NULL DEFAULT '',
			playlist TEXT NOT NULL DEFAULT '[]',
			rtmp_url TEXT NOT NULL DEFAULT '',
			stream_key TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			bitrate INTEGER NOT NULL,
			resolution TEXT NOT NULL,
			fps INTEGER NOT NULL,
			orientation TEXT NOT NULL,
			loop_video BOOLEAN NOT NULL,
			status TEXT NOT NULL,
			schedule_time BIGINT NULL,
			end_time BIGINT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			started_at BIGINT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_status ON streams(status);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_schedule ON streams(status, schedule_time);`,
		`CREATE TABLE IF NOT EXISTS rotations(
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			repeat_mode TEXT NOT NULL,
			start_time BIGINT NOT NULL,
			end_time BIGINT NOT NULL,
			time_zone TEXT NOT NULL DEFAULT 'UTC',
			status TEXT NOT NULL,
			current_item_index INTEGER NOT NULL DEFAULT -1,
			paused_offset_ms BIGINT NOT NULL DEFAULT 0,
			paused_slot_start BIGINT,
			youtube_channel_id TEXT NOT NULL DEFAULT '',
			rtmp_url TEXT NOT NULL DEFAULT '',
			stream_key TEXT NOT NULL DEFAULT '',
			bitrate INTEGER NOT NULL,
			resolution TEXT NOT NULL,
			fps INTEGER NOT NULL,
			orientation TEXT NOT NULL,
			loop_video BOOLEAN NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rotations_status ON rotations(status);`,
		`CREATE TABLE IF NOT EXISTS rotation_items(
			id ` + autoID + `,
			rotation_id TEXT NOT NULL,
			order_index INTEGER NOT NULL,
			content_ref TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			thumbnail TEXT NOT NULL DEFAULT '',
			privacy TEXT NOT NULL,
			category TEXT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			UNIQUE(rotation_id, order_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rotation_items_rotation ON rotation_items(rotation_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to $n for Postgres.
func (s *DB) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

// --- streams ---

const streamCols = `id, user_id, title, content_ref, playlist, rtmp_url, stream_key, platform,
	bitrate, resolution, fps, orientation, loop_video, status, schedule_time, end_time,
	last_error, started_at, updated_at`

func (s *DB) CreateStream(ctx context.Context, st stream.Stream) error {
	if err := st.Validate(); err != nil {
		return err
	}
	st = st.Normalize()
	playlist, _ := json.Marshal(nonNil(st.Playlist))
	_, err := s.exec(ctx, `INSERT INTO streams(`+streamCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		st.ID, st.UserID, st.Title, st.ContentRef, string(playlist), st.RTMPURL, st.StreamKey, string(st.Platform),
		st.Settings.Bitrate, st.Settings.Resolution, st.Settings.FPS, string(st.Settings.Orientation), st.Settings.Looping(),
		string(st.Status), millisPtr(st.ScheduleTime), millisPtr(st.EndTime),
		st.LastError, millisPtr(st.StartedAt), nowMillis())
	return err
}

// UpdateStream rewrites the descriptive fields of a stream. Status is only changed
// through SetStatus, except that a scheduled/offline row follows the presence of a
// schedule_time so the scheduler picks it up.
func (s *DB) UpdateStream(ctx context.Context, st stream.Stream) error {
	if err := st.Validate(); err != nil {
		return err
	}
	st = st.Normalize()
	playlist, _ := json.Marshal(nonNil(st.Playlist))
	res, err := s.exec(ctx, `UPDATE streams SET
			user_id=?, title=?, content_ref=?, playlist=?, rtmp_url=?, stream_key=?, platform=?,
			bitrate=?, resolution=?, fps=?, orientation=?, loop_video=?,
			schedule_time=?, end_time=?,
			status=CASE WHEN status='live' THEN status WHEN ? THEN 'scheduled' ELSE 'offline' END,
			updated_at=?
		WHERE id=?;`,
		st.UserID, st.Title, st.ContentRef, string(playlist), st.RTMPURL, st.StreamKey, string(st.Platform),
		st.Settings.Bitrate, st.Settings.Resolution, st.Settings.FPS, string(st.Settings.Orientation), st.Settings.Looping(),
		millisPtr(st.ScheduleTime), millisPtr(st.EndTime),
		st.ScheduleTime != nil,
		nowMillis(), st.ID)
	if err != nil {
		return err
	}
	return affected(res, st.ID)
}

func (s *DB) GetStream(ctx context.Context, id string) (stream.Stream, error) {
	rows, err := s.query(ctx, `SELECT `+streamCols+` FROM streams WHERE id=?;`, id)
	if err != nil {
		return stream.Stream{}, err
	}
	defer func() { _ = rows.Close() }()
	out, err := scanStreams(rows)
	if err != nil {
		return stream.Stream{}, err
	}
	if len(out) == 0 {
		return stream.Stream{}, fmt.Errorf("stream %s: %w", id, stream.ErrNotFound)
	}
	return out[0], nil
}

func (s *DB) ListStreams(ctx context.Context, f store.Filter) ([]stream.Stream, error) {
	q := `SELECT ` + streamCols + ` FROM streams WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status=?`
		args = append(args, string(f.Status))
	}
	if f.UserID != "" {
		q += ` AND user_id=?`
		args = append(args, f.UserID)
	}
	q += ` ORDER BY id;`
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStreams(rows)
}

func (s *DB) DeleteStream(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM streams WHERE id=? AND status<>'live';`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetStream(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("stream %s: %w", id, stream.ErrStreamLive)
}

func (s *DB) SetStatus(ctx context.Context, id string, u store.StatusUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("invalid stream status %q", u.Status)
	}
	sets := []string{"status=?", "updated_at=?"}
	args := []any{string(u.Status), nowMillis()}
	if u.ClearSchedule {
		sets = append(sets, "schedule_time=NULL", "end_time=NULL")
	}
	if u.LastError != nil {
		sets = append(sets, "last_error=?")
		args = append(args, *u.LastError)
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at=?")
		args = append(args, u.StartedAt.UnixMilli())
	}
	args = append(args, id)
	res, err := s.exec(ctx, `UPDATE streams SET `+strings.Join(sets, ", ")+` WHERE id=?;`, args...)
	if err != nil {
		return err
	}
	return affected(res, id)
}

func (s *DB) DueScheduled(ctx context.Context, now time.Time) ([]stream.Stream, error) {
	rows, err := s.query(ctx, `SELECT `+streamCols+` FROM streams
		WHERE status='scheduled' AND schedule_time IS NOT NULL AND schedule_time<=?
		ORDER BY schedule_time;`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStreams(rows)
}

func (s *DB) ExpiredLive(ctx context.Context, now time.Time) ([]stream.Stream, error) {
	rows, err := s.query(ctx, `SELECT `+streamCols+` FROM streams
		WHERE status='live' AND end_time IS NOT NULL AND end_time<=?
		ORDER BY end_time;`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStreams(rows)
}

func scanStreams(rows *sql.Rows) ([]stream.Stream, error) {
	out := make([]stream.Stream, 0)
	for rows.Next() {
		var (
			st                  stream.Stream
			playlist, platform  string
			orientation, status string
			loop                bool
			sched, end, started sql.NullInt64
			updated             int64
		)
		if err := rows.Scan(&st.ID, &st.UserID, &st.Title, &st.ContentRef, &playlist, &st.RTMPURL, &st.StreamKey, &platform,
			&st.Settings.Bitrate, &st.Settings.Resolution, &st.Settings.FPS, &orientation, &loop, &status,
			&sched, &end, &st.LastError, &started, &updated); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(playlist), &st.Playlist)
		if len(st.Playlist) == 0 {
			st.Playlist = nil
		}
		st.Platform = stream.Platform(platform)
		st.Settings.Orientation = stream.Orientation(orientation)
		st.Settings.Loop = &loop
		st.Status = stream.Status(status)
		st.ScheduleTime = fromMillis(sched)
		st.EndTime = fromMillis(end)
		st.StartedAt = fromMillis(started)
		st.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- rotations ---

const rotationCols = `id, user_id, name, repeat_mode, start_time, end_time, time_zone, status,
	current_item_index, paused_offset_ms, paused_slot_start, youtube_channel_id, rtmp_url, stream_key,
	bitrate, resolution, fps, orientation, loop_video, updated_at`

func (s *DB) CreateRotation(ctx context.Context, r stream.Rotation) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r = r.Normalize()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO rotations(`+rotationCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		r.ID, r.UserID, r.Name, string(r.RepeatMode), r.StartTime.UnixMilli(), r.EndTime.UnixMilli(),
		r.StartTime.Location().String(), string(r.Status), r.CurrentItemIndex, r.PausedOffset.Milliseconds(),
		millisPtr(r.PausedSlotStart), r.YouTubeChannelID, r.RTMPURL, r.StreamKey,
		r.Settings.Bitrate, r.Settings.Resolution, r.Settings.FPS, string(r.Settings.Orientation), r.Settings.Looping(),
		nowMillis())
	if err != nil {
		return err
	}
	for _, it := range r.Items {
		tags, _ := json.Marshal(nonNil(it.Tags))
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO rotation_items(
				rotation_id, order_index, content_ref, title, description, tags, thumbnail, privacy, category, duration_ms)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`),
			r.ID, it.OrderIndex, it.ContentRef, it.Title, it.Description, string(tags), it.Thumbnail,
			it.Privacy, it.Category, it.Duration.Milliseconds()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *DB) GetRotation(ctx context.Context, id string) (stream.Rotation, error) {
	out, err := s.loadRotations(ctx, `WHERE id=?`, id)
	if err != nil {
		return stream.Rotation{}, err
	}
	if len(out) == 0 {
		return stream.Rotation{}, fmt.Errorf("rotation %s: %w", id, stream.ErrNotFound)
	}
	return out[0], nil
}

func (s *DB) ListRotations(ctx context.Context, status stream.RotationStatus) ([]stream.Rotation, error) {
	if status == "" {
		return s.loadRotations(ctx, ``)
	}
	return s.loadRotations(ctx, `WHERE status=?`, string(status))
}

// loadRotations reads the rotation rows first and their items second, so it never
// holds two result sets open on a single-connection SQLite pool.
func (s *DB) loadRotations(ctx context.Context, where string, args ...any) ([]stream.Rotation, error) {
	rows, err := s.query(ctx, `SELECT `+rotationCols+` FROM rotations `+where+` ORDER BY id;`, args...)
	if err != nil {
		return nil, err
	}
	out, err := scanRotations(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}
	byID := make(map[string]int, len(out))
	ids := make([]any, 0, len(out))
	marks := make([]string, 0, len(out))
	for i, r := range out {
		byID[r.ID] = i
		ids = append(ids, r.ID)
		marks = append(marks, "?")
	}
	irows, err := s.query(ctx, `SELECT rotation_id, order_index, content_ref, title, description, tags, thumbnail,
			privacy, category, duration_ms
		FROM rotation_items WHERE rotation_id IN (`+strings.Join(marks, ",")+`)
		ORDER BY rotation_id, order_index;`, ids...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = irows.Close() }()
	for irows.Next() {
		var (
			rid, tags string
			it        stream.RotationItem
			dur       int64
		)
		if err := irows.Scan(&rid, &it.OrderIndex, &it.ContentRef, &it.Title, &it.Description, &tags, &it.Thumbnail,
			&it.Privacy, &it.Category, &dur); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(tags), &it.Tags)
		if len(it.Tags) == 0 {
			it.Tags = nil
		}
		it.Duration = time.Duration(dur) * time.Millisecond
		if i, ok := byID[rid]; ok {
			out[i].Items = append(out[i].Items, it)
		}
	}
	return out, irows.Err()
}

func scanRotations(rows *sql.Rows) ([]stream.Rotation, error) {
	out := make([]stream.Rotation, 0)
	for rows.Next() {
		var (
			r                           stream.Rotation
			mode, zone, status, orient  string
			start, end, paused, updated int64
			loop                        bool
			slotStart                   sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &mode, &start, &end, &zone, &status,
			&r.CurrentItemIndex, &paused, &slotStart, &r.YouTubeChannelID, &r.RTMPURL, &r.StreamKey,
			&r.Settings.Bitrate, &r.Settings.Resolution, &r.Settings.FPS, &orient, &loop, &updated); err != nil {
			return nil, err
		}
		loc, err := time.LoadLocation(zone)
		if err != nil {
			loc = time.UTC
		}
		r.RepeatMode = stream.RepeatMode(mode)
		r.StartTime = time.UnixMilli(start).In(loc)
		r.EndTime = time.UnixMilli(end).In(loc)
		r.Status = stream.RotationStatus(status)
		r.PausedOffset = time.Duration(paused) * time.Millisecond
		r.PausedSlotStart = fromMillis(slotStart)
		r.Settings.Orientation = stream.Orientation(orient)
		r.Settings.Loop = &loop
		r.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) SetRotationState(ctx context.Context, id string, st store.RotationState) error {
	res, err := s.exec(ctx, `UPDATE rotations SET status=?, current_item_index=?, paused_offset_ms=?, paused_slot_start=?,
		updated_at=? WHERE id=?;`, string(st.Status), st.CurrentItemIndex, st.PausedOffset.Milliseconds(),
		millisPtr(st.PausedSlotStart), nowMillis(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rotation %s: %w", id, stream.ErrNotFound)
	}
	return nil
}

func (s *DB) DeleteRotation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var status string
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM rotations WHERE id=?;`), id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("rotation %s: %w", id, stream.ErrNotFound)
		}
		return err
	}
	if stream.RotationStatus(status) == stream.RotationActive {
		return fmt.Errorf("rotation %s: %w", id, stream.ErrRotationActive)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM rotation_items WHERE rotation_id=?;`), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM rotations WHERE id=? AND status<>'active';`), id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- helpers ---

func affected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("stream %s: %w", id, stream.ErrNotFound)
	}
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func millisPtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
