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

	logx "warmline/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- credentials ----

func (s *sqliteStore) GetCredentials(ctx context.Context, id string) (Credentials, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM credentials WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c Credentials
	if err := json.Unmarshal([]byte(blob), &c); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", id, err)
	}
	return c, nil
}

func (s *sqliteStore) SaveCredentials(ctx context.Context, id string, partial Credentials) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cur := Credentials{}
	var blob string
	err = tx.QueryRowContext(ctx, `SELECT blob FROM credentials WHERE id = ?`, id).Scan(&blob)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if err := json.Unmarshal([]byte(blob), &cur); err != nil {
			return fmt.Errorf("decode credentials %s: %w", id, err)
		}
	}
	for k, v := range partial {
		cur[k] = v
	}
	b, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credentials(id, blob) VALUES(?,?)
		 ON CONFLICT(id) DO UPDATE SET blob=excluded.blob`, id, string(b)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteCredentials(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_keys WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) GetAuthKeys(ctx context.Context, id string) (AuthKeys, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_type, key_id, data FROM auth_keys WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := AuthKeys{}
	for rows.Next() {
		var typ, kid string
		var data []byte
		if err := rows.Scan(&typ, &kid, &data); err != nil {
			return nil, err
		}
		if out[typ] == nil {
			out[typ] = map[string][]byte{}
		}
		out[typ][kid] = data
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveAuthKey(ctx context.Context, id, keyType, keyID string, data []byte) error {
	if data == nil {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM auth_keys WHERE id = ? AND key_type = ? AND key_id = ?`, id, keyType, keyID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_keys(id, key_type, key_id, data) VALUES(?,?,?,?)
		 ON CONFLICT(id, key_type, key_id) DO UPDATE SET data=excluded.data`,
		id, keyType, keyID, data)
	return err
}

// ---- instances ----

func (s *sqliteStore) SaveInstance(ctx context.Context, r InstanceRecord) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances(id, is_active, outgoing_count, incoming_count, day, daily_message_count,
		   daily_warm_up_count, daily_warm_conv_count, warm_up_day, has_warmed_up, total_warm_up_count,
		   last_warmed_up_day, status_code, error_message, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   is_active=excluded.is_active, outgoing_count=excluded.outgoing_count,
		   incoming_count=excluded.incoming_count, day=excluded.day,
		   daily_message_count=excluded.daily_message_count,
		   daily_warm_up_count=excluded.daily_warm_up_count,
		   daily_warm_conv_count=excluded.daily_warm_conv_count,
		   warm_up_day=excluded.warm_up_day, has_warmed_up=excluded.has_warmed_up,
		   total_warm_up_count=excluded.total_warm_up_count,
		   last_warmed_up_day=excluded.last_warmed_up_day, status_code=excluded.status_code,
		   error_message=excluded.error_message, updated_at=excluded.updated_at`,
		r.ID, r.IsActive, r.OutgoingCount, r.IncomingCount, nullStr(r.Day), r.DailyMessageCount,
		r.DailyWarmUpCount, r.DailyWarmConversationCount, r.WarmUpDay, r.HasWarmedUp, r.TotalWarmUpCount,
		nullStr(r.LastWarmedUpDay), r.StatusCode, nullStr(r.ErrorMessage),
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListInstances(ctx context.Context) ([]InstanceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, is_active, outgoing_count, incoming_count, day, daily_message_count,
		   daily_warm_up_count, daily_warm_conv_count, warm_up_day, has_warmed_up, total_warm_up_count,
		   last_warmed_up_day, status_code, error_message, created_at, updated_at
		 FROM instances ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InstanceRecord
	for rows.Next() {
		var (
			r                    InstanceRecord
			day, lastDay, errMsg sql.NullString
			created, updated     int64
		)
		if err := rows.Scan(&r.ID, &r.IsActive, &r.OutgoingCount, &r.IncomingCount, &day,
			&r.DailyMessageCount, &r.DailyWarmUpCount, &r.DailyWarmConversationCount, &r.WarmUpDay,
			&r.HasWarmedUp, &r.TotalWarmUpCount, &lastDay, &r.StatusCode, &errMsg, &created, &updated); err != nil {
			return nil, err
		}
		r.Day, r.LastWarmedUpDay, r.ErrorMessage = day.String, lastDay.String, errMsg.String
		r.CreatedAt, r.UpdatedAt = time.UnixMilli(created), time.UnixMilli(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteInstance(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	return err
}

// ---- queue ----

const queueCols = `id, recipient, text, tts, attempt, instance_id, sent_at, last_error, created_at`

func scanQueued(sc interface{ Scan(...any) error }) (QueuedMessage, error) {
	var (
		m           QueuedMessage
		inst, last  sql.NullString
		sent        sql.NullInt64
		createdUnix int64
	)
	if err := sc.Scan(&m.ID, &m.Recipient, &m.Text, &m.TTS, &m.Attempt, &inst, &sent, &last, &createdUnix); err != nil {
		return QueuedMessage{}, err
	}
	m.InstanceID, m.LastError = inst.String, last.String
	if sent.Valid {
		t := time.UnixMilli(sent.Int64)
		m.SentAt = &t
	}
	m.CreatedAt = time.UnixMilli(createdUnix)
	return m, nil
}

func (s *sqliteStore) InsertQueued(ctx context.Context, msgs []QueuedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO queue(id, recipient, text, tts, attempt, created_at) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.Recipient, m.Text, m.TTS, m.Attempt, m.CreatedAt.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) SampleOneAtTier(ctx context.Context, tier int) (QueuedMessage, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueCols+` FROM queue WHERE sent_at IS NULL AND attempt = ? ORDER BY RANDOM() LIMIT 1`, tier)
	m, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueuedMessage{}, false, nil
	}
	if err != nil {
		return QueuedMessage{}, false, err
	}
	return m, true, nil
}

func (s *sqliteStore) MarkSent(ctx context.Context, id, instanceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET sent_at = ?, instance_id = ?, last_error = NULL WHERE id = ? AND sent_at IS NULL`,
		at.UnixMilli(), instanceID, id)
	return affected(res, err)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET attempt = attempt + 1, last_error = ? WHERE id = ? AND sent_at IS NULL`,
		nullStr(errText), id)
	return affected(res, err)
}

func (s *sqliteStore) CountPending(ctx context.Context, maxAttempts int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue WHERE sent_at IS NULL AND attempt < ?`, maxAttempts).Scan(&n)
	return n, err
}

func (s *sqliteStore) ListQueued(ctx context.Context, limit int) ([]QueuedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueCols+` FROM queue ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueuedMessage
	for rows.Next() {
		m, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteQueued(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	return affected(res, err)
}

func (s *sqliteStore) ClearPending(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE sent_at IS NULL`)
	return count(res, err)
}

func (s *sqliteStore) ResetExhausted(ctx context.Context, maxAttempts int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET attempt = 0, last_error = NULL WHERE sent_at IS NULL AND attempt >= ?`, maxAttempts)
	return count(res, err)
}

// ---- suppression ----

func (s *sqliteStore) AddSuppression(ctx context.Context, phone, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suppression(phone, reason, created_at) VALUES(?,?,?)
		 ON CONFLICT(phone) DO UPDATE SET reason=excluded.reason`,
		phone, nullStr(reason), time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) RemoveSuppression(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM suppression WHERE phone = ?`, phone)
	return err
}

func (s *sqliteStore) SuppressedAmong(ctx context.Context, phones []string) (map[string]bool, error) {
	out := map[string]bool{}
	const chunk = 500
	for start := 0; start < len(phones); start += chunk {
		part := phones[start:min(start+chunk, len(phones))]
		args := make([]any, len(part))
		for i, p := range part {
			args[i] = p
		}
		q := `SELECT phone FROM suppression WHERE phone IN (?` + strings.Repeat(",?", len(part)-1) + `)`
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, err
			}
			out[p] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ---- chat ----

func (s *sqliteStore) AppendChat(ctx context.Context, m ChatMessage) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat(id, instance_id, peer, from_me, text, at) VALUES(?,?,?,?,?,?)`,
		nullStr(m.ID), m.InstanceID, m.Peer, m.FromMe, m.Text, m.At.UnixMilli())
	return err
}

func (s *sqliteStore) Conversation(ctx context.Context, instanceID, peer string, since time.Time, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, peer, from_me, text, at FROM (
		   SELECT seq, id, instance_id, peer, from_me, text, at FROM chat
		   WHERE instance_id = ? AND peer = ? AND at >= ?
		   ORDER BY at DESC, seq DESC LIMIT ?
		 ) ORDER BY at, seq`,
		instanceID, peer, since.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChatMessage
	for rows.Next() {
		var (
			m  ChatMessage
			id sql.NullString
			at int64
		)
		if err := rows.Scan(&id, &m.InstanceID, &m.Peer, &m.FromMe, &m.Text, &at); err != nil {
			return nil, err
		}
		m.ID, m.At = id.String, time.UnixMilli(at)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- outreach ----

func (s *sqliteStore) SaveOutreach(ctx context.Context, o Outreach) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outreach(id, queue_id, instance_id, peer, text, sent_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		o.ID, nullStr(o.QueueID), o.InstanceID, o.Peer, o.Text, o.SentAt.UnixMilli())
	return err
}

func (s *sqliteStore) LatestOutreach(ctx context.Context, instanceID, peer string) (Outreach, bool, error) {
	var (
		o    Outreach
		qid  sql.NullString
		sent int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, queue_id, instance_id, peer, text, sent_at FROM outreach
		 WHERE instance_id = ? AND peer = ? ORDER BY sent_at DESC LIMIT 1`,
		instanceID, peer).Scan(&o.ID, &qid, &o.InstanceID, &o.Peer, &o.Text, &sent)
	if errors.Is(err, sql.ErrNoRows) {
		return Outreach{}, false, nil
	}
	if err != nil {
		return Outreach{}, false, err
	}
	o.QueueID, o.SentAt = qid.String, time.UnixMilli(sent)
	return o, true, nil
}

func (s *sqliteStore) AppendClassification(ctx context.Context, outreachID string, c Classification) error {
	if c.ClassifiedAt.IsZero() {
		c.ClassifiedAt = time.Now()
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO classification(outreach_id, verdict, at) VALUES(?,?,?)`,
		outreachID, string(b), c.ClassifiedAt.UnixMilli())
	return err
}

func (s *sqliteStore) Classifications(ctx context.Context, outreachID string) ([]Classification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT verdict FROM classification WHERE outreach_id = ? ORDER BY seq`, outreachID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Classification
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var c Classification
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.Target), e.OK,
		nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func count(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
