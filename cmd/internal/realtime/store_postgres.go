package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/ids"
	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
)

// DefaultNotifyChannel is the LISTEN/NOTIFY channel carrying new message ids.
const DefaultNotifyChannel = "haven_messages"

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Live delivery:
//   - With a notify channel, InsertMessage issues pg_notify(channel, id) in the insert
//     transaction, so listeners only see committed messages (see PostgresFeed).
//   - With a publisher, the stored message is handed to it after commit.
type PostgresStore struct {
	log       *slog.Logger
	pool      *pgxpool.Pool
	schema    string
	notify    string
	publisher Publisher
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "haven").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithNotifyChannel enables pg_notify on insert. An empty channel disables it.
func WithNotifyChannel(channel string) PostgresOption {
	return func(s *PostgresStore) error {
		channel = strings.TrimSpace(channel)
		if channel != "" && !isValidPGIdent(channel) {
			return errors.New("realtime: invalid notify channel")
		}
		s.notify = channel
		return nil
	}
}

// WithPublisher hands every committed insert to p.
func WithPublisher(p Publisher) PostgresOption {
	return func(s *PostgresStore) error {
		s.publisher = p
		return nil
	}
}

// WithStoreLogger sets the logger used for publish failures.
func WithStoreLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		log:    slog.Default(),
		pool:   pool,
		schema: "haven",
		notify: DefaultNotifyChannel,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// NotifyChannel returns the configured channel ("" when disabled).
func (s *PostgresStore) NotifyChannel() string { return s.notify }

// Migrate creates the schema objects the store needs. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	messages := pgIdent(s.schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id          TEXT PRIMARY KEY,
  sender_id   TEXT NOT NULL,
  receiver_id TEXT NOT NULL,
  body        TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  is_read     BOOLEAN NOT NULL DEFAULT false,
  product_ref TEXT,

  CONSTRAINT chk_messages_distinct_participants CHECK (sender_id <> receiver_id),
  CONSTRAINT chk_messages_body_len CHECK (char_length(body) > 0 AND char_length(body) <= 4000)
);

CREATE INDEX IF NOT EXISTS idx_messages_receiver_sender_unread
  ON %s (receiver_id, sender_id) WHERE NOT is_read;

CREATE INDEX IF NOT EXISTS idx_messages_sender_created
  ON %s (sender_id, created_at);

CREATE INDEX IF NOT EXISTS idx_messages_receiver_created
  ON %s (receiver_id, created_at);
`, schema, messages, messages, messages, messages)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("realtime: migrate: %w", err)
	}
	return nil
}

const messageColumns = `id, sender_id, receiver_id, body, created_at, is_read, COALESCE(product_ref, '')`

// FetchMessagesInvolving returns every message where viewerID is a participant.
func (s *PostgresStore) FetchMessagesInvolving(ctx context.Context, viewerID string) ([]inbox.Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if viewerID == "" {
		return nil, errors.New("missing viewer_id")
	}

	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE sender_id = $1 OR receiver_id = $1
		  ORDER BY created_at ASC, id ASC`,
		viewerID,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// FetchThread returns the messages between two users ordered by (created_at, id).
func (s *PostgresStore) FetchThread(ctx context.Context, viewerID, counterpartID string) ([]inbox.Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if viewerID == "" || counterpartID == "" {
		return nil, errors.New("missing participant")
	}

	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE (sender_id = $1 AND receiver_id = $2)
		     OR (sender_id = $2 AND receiver_id = $1)
		  ORDER BY created_at ASC, id ASC`,
		viewerID, counterpartID,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// MessageByID loads one message.
func (s *PostgresStore) MessageByID(ctx context.Context, id string) (inbox.Message, error) {
	messages := pgIdent(s.schema, "messages")
	return scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`,
		id,
	))
}

// InsertMessage persists a message and, when enabled, notifies listeners in the same transaction.
func (s *PostgresStore) InsertMessage(ctx context.Context, in inbox.SendInput) (inbox.Message, error) {
	if s == nil || s.pool == nil {
		return inbox.Message{}, errors.New("realtime: nil store")
	}
	if !validInsert(in) {
		return inbox.Message{}, errors.New("invalid input")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return inbox.Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return inbox.Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	var product any
	if in.ProductRef != "" {
		product = in.ProductRef
	}

	m, err := scanMessage(tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (id, sender_id, receiver_id, body, created_at, product_ref)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+messageColumns,
		id, in.SenderID, in.ReceiverID, in.Body, now, product,
	))
	if err != nil {
		return inbox.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if s.notify != "" {
		// Payload is the id only: NOTIFY payloads are limited to 8000 bytes.
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.notify, m.ID); err != nil {
			return inbox.Message{}, fmt.Errorf("notify: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return inbox.Message{}, err
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, m); err != nil {
			s.log.Warn("store.publish.fail", "message_id", m.ID, "err", err)
		}
	}
	return m, nil
}

// SetRead marks unread messages from senderID to receiverID as read.
func (s *PostgresStore) SetRead(ctx context.Context, receiverID, senderID string) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("realtime: nil store")
	}
	if receiverID == "" || senderID == "" {
		return 0, errors.New("missing participant")
	}

	messages := pgIdent(s.schema, "messages")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET is_read = true
		  WHERE receiver_id = $1 AND sender_id = $2 AND NOT is_read`,
		receiverID, senderID,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanMessages(rows pgx.Rows) ([]inbox.Message, error) {
	defer rows.Close()

	var out []inbox.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanMessage(row pgx.Row) (inbox.Message, error) {
	var m inbox.Message
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &m.CreatedAt, &m.IsRead, &m.ProductRef)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
