package sink

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"qbridge/internal/pkg/errors"
	"qbridge/internal/pkg/logger"
	"qbridge/internal/registry"
)

const opArchive = "sink.archive"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bridge_messages (
	delivery_id  TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	source       TEXT NOT NULL,
	payload      BYTEA NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL,
	archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS bridge_messages_queue_idx ON bridge_messages (queue, received_at);
`

const insertSQL = `
	INSERT INTO bridge_messages (delivery_id, queue, source, payload, received_at)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (delivery_id) DO NOTHING
`

// Execer is the subset of *pgxpool.Pool the archive uses.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// OpenPool connects to PostgreSQL and checks the connection.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, opArchive, "invalid database url")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, opArchive, "database unreachable")
	}
	return pool, nil
}

// Archive stores every message in the bridge_messages table.
type Archive struct {
	db      Execer
	log     *logger.Logger
	onError func(error)
}

func NewArchive(db Execer, log *logger.Logger, onError func(error)) *Archive {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Archive{db: db, log: log.WithComponent("archive"), onError: onError}
}

// EnsureSchema creates the table if it does not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, opArchive, "create schema")
	}
	return nil
}

// Save inserts msg. A redelivered message with a known delivery ID is a
// no-op. A missing table is created on first use.
func (a *Archive) Save(ctx context.Context, msg registry.Message) error {
	err := a.insert(ctx, msg)
	if isUndefinedTable(err) {
		a.log.Info("bridge_messages missing, creating")
		if err := a.EnsureSchema(ctx); err != nil {
			return err
		}
		err = a.insert(ctx, msg)
	}
	if err != nil {
		return errors.Wrap(err, opArchive, "insert message").
			WithFields(map[string]any{"queue": msg.Queue, "delivery_id": msg.DeliveryID})
	}
	return nil
}

// Handle is a registry.Handler. Failures are logged and passed to OnError.
func (a *Archive) Handle(ctx context.Context, msg registry.Message) {
	if err := a.Save(ctx, msg); err != nil {
		a.log.FromContext(ctx).Error("archive failed", "error", err.Error())
		if a.onError != nil {
			a.onError(err)
		}
	}
}

func (a *Archive) insert(ctx context.Context, msg registry.Message) error {
	_, err := a.db.Exec(ctx, insertSQL,
		msg.DeliveryID,
		msg.Queue,
		string(msg.Source),
		msg.Payload,
		msg.ReceivedAt,
	)
	return err
}

// 42P01 = undefined_table
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return false
}
