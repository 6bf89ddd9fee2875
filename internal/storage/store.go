package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"blockremote/internal/config"
	"blockremote/internal/model"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported storage driver")
	ErrMissingDedupeKey  = errors.New("audit record requires a dedupe key")
)

// Store persists signals and the append-only audit log.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveSignal(ctx context.Context, sig model.Signal) (int64, error)
	// InsertAudit appends rec unless a record with the same DedupeKey exists.
	// It returns the stored record and whether this call created it.
	InsertAudit(ctx context.Context, rec model.AuditRecord) (model.AuditRecord, bool, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	ListAudit(ctx context.Context, limit int) ([]model.AuditRecord, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(0), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

const auditColumns = `id, device_id, threat_level, reason, score, created_at, signal_id, dedupe_key, published_at`

// baseStore holds the SQL shared by the sqlite and postgres drivers. Queries are
// written with '?' placeholders and rebound for postgres.
type baseStore struct {
	db       *sql.DB
	dollar   bool
	textTime bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) rebind(query string) string {
	if !b.dollar {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) timeArg(t time.Time) any {
	t = t.UTC()
	if b.textTime {
		return t.Format(sortableTime)
	}
	return t
}

func (b *baseStore) SaveSignal(ctx context.Context, sig model.Signal) (int64, error) {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = nowUTC()
	}
	var id int64
	err := b.db.QueryRowContext(ctx,
		b.rebind(`INSERT INTO signals (device_id, payload, created_at) VALUES (?, ?, ?) RETURNING id`),
		sig.DeviceID,
		encodeJSON(sig.Payload),
		b.timeArg(sig.ReceivedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert signal: %w", err)
	}
	return id, nil
}

func (b *baseStore) InsertAudit(ctx context.Context, rec model.AuditRecord) (model.AuditRecord, bool, error) {
	if rec.DedupeKey == "" {
		return model.AuditRecord{}, false, ErrMissingDedupeKey
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = nowUTC()
	}
	var signalID any
	if rec.SignalID != nil {
		signalID = *rec.SignalID
	}
	var id int64
	err := b.db.QueryRowContext(ctx,
		b.rebind(`INSERT INTO audit_logs (device_id, threat_level, reason, score, created_at, signal_id, dedupe_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id`),
		rec.DeviceID,
		string(rec.ThreatLevel),
		rec.Reason,
		rec.Score,
		b.timeArg(rec.CreatedAt),
		signalID,
		rec.DedupeKey,
	).Scan(&id)
	switch {
	case err == nil:
		rec.ID = id
		rec.CreatedAt = rec.CreatedAt.UTC()
		return rec, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := b.auditByKey(ctx, rec.DedupeKey)
		if err != nil {
			return model.AuditRecord{}, false, err
		}
		return existing, false, nil
	default:
		return model.AuditRecord{}, false, fmt.Errorf("insert audit: %w", err)
	}
}

func (b *baseStore) auditByKey(ctx context.Context, key string) (model.AuditRecord, error) {
	row := b.db.QueryRowContext(ctx,
		b.rebind(`SELECT `+auditColumns+` FROM audit_logs WHERE dedupe_key = ?`), key)
	rec, err := scanAudit(row)
	if err != nil {
		return model.AuditRecord{}, fmt.Errorf("load audit %s: %w", key, err)
	}
	return rec, nil
}

func (b *baseStore) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := b.db.ExecContext(ctx,
		b.rebind(`UPDATE audit_logs SET published_at = ? WHERE id = ? AND published_at IS NULL`),
		b.timeArg(at), id)
	if err != nil {
		return fmt.Errorf("mark audit %d published: %w", id, err)
	}
	return nil
}

func (b *baseStore) ListAudit(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 || limit > MaxAuditQuery {
		limit = MaxAuditQuery
	}
	rows, err := b.db.QueryContext(ctx,
		b.rebind(`SELECT `+auditColumns+` FROM audit_logs ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	out := make([]model.AuditRecord, 0)
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MaxAuditQuery bounds every audit listing.
const MaxAuditQuery = 200

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudit(row rowScanner) (model.AuditRecord, error) {
	var (
		rec       model.AuditRecord
		level     string
		signalID  sql.NullInt64
		created   dbTime
		published dbTime
	)
	if err := row.Scan(&rec.ID, &rec.DeviceID, &level, &rec.Reason, &rec.Score, &created, &signalID, &rec.DedupeKey, &published); err != nil {
		return model.AuditRecord{}, err
	}
	rec.ThreatLevel = model.ThreatLevel(level)
	rec.CreatedAt = created.Time
	if signalID.Valid {
		v := signalID.Int64
		rec.SignalID = &v
	}
	if published.Valid {
		v := published.Time
		rec.PublishedAt = &v
	}
	return rec, nil
}

// sortableTime is fixed width so lexical order matches chronological order.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// dbTime scans timestamps stored natively (postgres) or as text (sqlite).
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (d *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		d.Time, d.Valid = time.Time{}, false
		return nil
	case time.Time:
		d.Time, d.Valid = v.UTC(), true
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (d *dbTime) parse(s string) error {
	for _, layout := range []string{sortableTime, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time, d.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
