package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBus uses LISTEN/NOTIFY. Notifications are only delivered to
// sessions that were listening when the notifying transaction committed.
type PostgresBus struct {
	pool *pgxpool.Pool
	dsn  string
}

func NewPostgres(ctx context.Context, dsn string) (*PostgresBus, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres bus pool: %w", err)
	}
	return &PostgresBus{pool: pool, dsn: dsn}, nil
}

func (b *PostgresBus) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload))
	return err
}

// Subscribe opens a dedicated connection; LISTEN state must not leak back into the pool.
func (b *PostgresBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	conn, err := pgx.Connect(ctx, b.dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres listen connect: %w", err)
	}
	ident := pgx.Identifier{channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return &postgresSub{conn: conn, ident: ident}, nil
}

func (b *PostgresBus) Close() error {
	b.pool.Close()
	return nil
}

type postgresSub struct {
	conn  *pgx.Conn
	ident string
}

func (s *postgresSub) Next(ctx context.Context) ([]byte, error) {
	n, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if s.conn.IsClosed() {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil, err
	}
	return []byte(n.Payload), nil
}

func (s *postgresSub) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !s.conn.IsClosed() {
		_, _ = s.conn.Exec(ctx, "UNLISTEN "+s.ident)
	}
	return s.conn.Close(ctx)
}
