// Package store persists messages, deliveries, conversation summaries, and
// gateway identity mappings in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/courier/internal/relay"
)

type Config struct {
	Clock func() time.Time
}

// SQLiteStore implements API. Timestamps are stored as RFC3339Nano text and
// content/metadata as JSON text, matching the rest of the schema's
// text-first convention.
type SQLiteStore struct {
	db     *sqlx.DB
	clock  func() time.Time
	logger *log.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	message_id      TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	parent_id       TEXT NOT NULL DEFAULT '',
	direction       TEXT NOT NULL,
	role            TEXT NOT NULL,
	canonical_user  TEXT,
	content         TEXT NOT NULL DEFAULT '{}',
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(canonical_user, created_at);

CREATE TABLE IF NOT EXISTS deliveries (
	delivery_id   TEXT PRIMARY KEY,
	message_id    TEXT NOT NULL UNIQUE,
	channel       TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'queued',
	attempts      INTEGER NOT NULL DEFAULT 1,
	provider_id   TEXT NOT NULL DEFAULT '',
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	queued_at     TEXT NOT NULL,
	sent_at       TEXT NOT NULL DEFAULT '',
	failed_at     TEXT NOT NULL DEFAULT '',
	canceled_at   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS conversation_state (
	conversation_id TEXT PRIMARY KEY,
	summary         TEXT NOT NULL DEFAULT '',
	message_count   INTEGER NOT NULL DEFAULT 0,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS identities (
	network         TEXT NOT NULL,
	network_user_id TEXT NOT NULL,
	canonical_user  TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	PRIMARY KEY (network, network_user_id)
);
CREATE INDEX IF NOT EXISTS idx_identities_user ON identities(canonical_user);
`

func NewSQLiteStore(dbPath string, cfg Config) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteStore{
		db:     db,
		clock:  clock,
		logger: log.New(os.Stdout, "store ", log.LstdFlags),
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time {
	return s.clock().UTC()
}

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func jsonOrEmpty(v []byte) string {
	if len(v) == 0 {
		return "{}"
	}
	return string(v)
}

// RecordInbound inserts the inbound message row. Inbound messages are always
// recorded before any processing begins so retries resume safely.
func (s *SQLiteStore) RecordInbound(input RecordInboundInput) (*Message, error) {
	if strings.TrimSpace(input.ConversationID) == "" {
		return nil, relay.NewValidationError("conversation_id is required")
	}
	role := input.Role
	if role == "" {
		role = relay.RoleUser
	}
	m := &Message{
		MessageID:      uuid.NewString(),
		ConversationID: input.ConversationID,
		ParentID:       input.ParentID,
		Direction:      relay.DirectionInbound,
		Role:           role,
		CanonicalUser:  input.CanonicalUser,
		Content:        input.Content,
		Metadata:       input.Metadata,
		CreatedAt:      s.now(),
	}
	if err := s.insertMessage(s.db, m); err != nil {
		return nil, fmt.Errorf("record inbound: %w", err)
	}
	return m, nil
}

// CreateOutbound inserts one outbound message row and its delivery row in a
// single transaction: both or neither.
func (s *SQLiteStore) CreateOutbound(input CreateOutboundInput) (*Message, *Delivery, error) {
	if strings.TrimSpace(input.ConversationID) == "" {
		return nil, nil, relay.NewValidationError("conversation_id is required")
	}
	if !relay.KnownNetwork(input.Channel) {
		return nil, nil, relay.NewError(relay.CodeUnknownNetwork, "channel "+string(input.Channel)+" is not recognized", false, 0)
	}
	role := input.Role
	if role == "" {
		role = relay.RoleProcessor
	}
	now := s.now()
	m := &Message{
		MessageID:      uuid.NewString(),
		ConversationID: input.ConversationID,
		ParentID:       input.ParentID,
		Direction:      relay.DirectionOutbound,
		Role:           role,
		CanonicalUser:  input.CanonicalUser,
		Content:        input.Content,
		Metadata:       input.Metadata,
		CreatedAt:      now,
	}
	d := &Delivery{
		DeliveryID: uuid.NewString(),
		MessageID:  m.MessageID,
		Channel:    input.Channel,
		Status:     DeliveryQueued,
		Attempts:   1,
		QueuedAt:   now,
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, nil, fmt.Errorf("begin outbound tx: %w", err)
	}
	if err := s.insertMessage(tx, m); err != nil {
		tx.Rollback()
		return nil, nil, fmt.Errorf("insert outbound message: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO deliveries (delivery_id, message_id, channel, status, attempts, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.DeliveryID, d.MessageID, string(d.Channel), string(d.Status), d.Attempts, timeToString(d.QueuedAt),
	); err != nil {
		tx.Rollback()
		return nil, nil, fmt.Errorf("insert delivery: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit outbound tx: %w", err)
	}
	return m, d, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertMessage(e execer, m *Message) error {
	var user sql.NullString
	if m.CanonicalUser != "" {
		user = sql.NullString{String: m.CanonicalUser, Valid: true}
	}
	_, err := e.Exec(`INSERT INTO messages (message_id, conversation_id, parent_id, direction, role, canonical_user, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.ConversationID, m.ParentID, string(m.Direction), string(m.Role),
		user, jsonOrEmpty(m.Content), jsonOrEmpty(m.Metadata), timeToString(m.CreatedAt),
	)
	return err
}

// TransitionDelivery writes the new status and its timestamp column. A
// delivery already in a terminal state rejects the transition: the row stays
// unchanged and a conflict error is returned after logging.
func (s *SQLiteStore) TransitionDelivery(deliveryID string, status DeliveryStatus, details TransitionDetails) (*Delivery, error) {
	switch status {
	case DeliverySent, DeliveryFailed, DeliveryCanceled:
	default:
		return nil, relay.NewValidationError("status must be sent, failed, or canceled")
	}

	d, err := s.GetDelivery(deliveryID)
	if err != nil {
		return nil, err
	}
	if Terminal(d.Status) {
		s.logger.Printf("rejected transition delivery_id=%s from=%s to=%s", deliveryID, d.Status, status)
		return d, relay.NewError(relay.CodeConflict, fmt.Sprintf("delivery %s already %s", deliveryID, d.Status), false, 0)
	}

	now := s.now()
	col := ""
	switch status {
	case DeliverySent:
		col = "sent_at"
		d.SentAt = now
	case DeliveryFailed:
		col = "failed_at"
		d.FailedAt = now
	case DeliveryCanceled:
		col = "canceled_at"
		d.CanceledAt = now
	}
	d.Status = status
	if details.ProviderID != "" {
		d.ProviderID = details.ProviderID
	}
	if details.ErrorCode != "" {
		d.ErrorCode = details.ErrorCode
	}
	if details.ErrorMessage != "" {
		d.ErrorMessage = details.ErrorMessage
	}

	// Guard against a concurrent transition racing past the read above:
	// the WHERE clause only matches a still-queued row.
	res, err := s.db.Exec(`UPDATE deliveries SET status = ?, `+col+` = ?, provider_id = ?, error_code = ?, error_message = ?
		WHERE delivery_id = ? AND status = 'queued'`,
		string(status), timeToString(now), d.ProviderID, d.ErrorCode, d.ErrorMessage, deliveryID,
	)
	if err != nil {
		return nil, fmt.Errorf("transition delivery: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		s.logger.Printf("rejected transition delivery_id=%s to=%s (lost race)", deliveryID, status)
		cur, gerr := s.GetDelivery(deliveryID)
		if gerr != nil {
			return nil, gerr
		}
		return cur, relay.NewError(relay.CodeConflict, fmt.Sprintf("delivery %s already %s", deliveryID, cur.Status), false, 0)
	}
	return d, nil
}

func (s *SQLiteStore) GetMessage(messageID string) (*Message, error) {
	row := s.db.QueryRow(`SELECT message_id, conversation_id, parent_id, direction, role, canonical_user, content, metadata, created_at
		FROM messages WHERE message_id = ?`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.NewError(relay.CodeNotFound, "message not found", false, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var user sql.NullString
	var content, metadata, createdAt string
	if err := row.Scan(&m.MessageID, &m.ConversationID, &m.ParentID, &m.Direction, &m.Role,
		&user, &content, &metadata, &createdAt); err != nil {
		return nil, err
	}
	if user.Valid {
		m.CanonicalUser = user.String
	}
	m.Content = []byte(content)
	m.Metadata = []byte(metadata)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func (s *SQLiteStore) GetDelivery(deliveryID string) (*Delivery, error) {
	var d Delivery
	var queuedAt, sentAt, failedAt, canceledAt string
	err := s.db.QueryRow(`SELECT delivery_id, message_id, channel, status, attempts, provider_id, error_code, error_message,
		queued_at, sent_at, failed_at, canceled_at FROM deliveries WHERE delivery_id = ?`, deliveryID).
		Scan(&d.DeliveryID, &d.MessageID, &d.Channel, &d.Status, &d.Attempts, &d.ProviderID, &d.ErrorCode, &d.ErrorMessage,
			&queuedAt, &sentAt, &failedAt, &canceledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.NewError(relay.CodeNotFound, "delivery not found", false, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	d.QueuedAt = parseTime(queuedAt)
	d.SentAt = parseTime(sentAt)
	d.FailedAt = parseTime(failedAt)
	d.CanceledAt = parseTime(canceledAt)
	return &d, nil
}

// ConversationMessages returns up to limit most recent messages of the
// conversation in oldest-to-newest order.
func (s *SQLiteStore) ConversationMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT message_id, conversation_id, parent_id, direction, role, canonical_user, content, metadata, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) ConversationMessageCount(conversationID string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("conversation message count: %w", err)
	}
	return n, nil
}

// RecentConversations returns the user's most recently active conversations
// with their recent messages, newest conversation first.
func (s *SQLiteStore) RecentConversations(canonicalUser string, limit, messagesPer int) ([]ConversationThread, error) {
	if limit <= 0 {
		limit = 5
	}
	if messagesPer <= 0 {
		messagesPer = 10
	}
	rows, err := s.db.Query(`SELECT conversation_id, MAX(created_at) AS last_at FROM messages
		WHERE canonical_user = ? GROUP BY conversation_id ORDER BY last_at DESC LIMIT ?`, canonicalUser, limit)
	if err != nil {
		return nil, fmt.Errorf("recent conversations: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id, lastAt string
		if err := rows.Scan(&id, &lastAt); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ConversationThread, 0, len(ids))
	for _, id := range ids {
		msgs, err := s.ConversationMessages(id, messagesPer)
		if err != nil {
			return nil, err
		}
		out = append(out, ConversationThread{ConversationID: id, Messages: msgs})
	}
	return out, nil
}

func (s *SQLiteStore) GetConversationState(conversationID string) (*ConversationState, error) {
	var cs ConversationState
	var updatedAt string
	err := s.db.QueryRow(`SELECT conversation_id, summary, message_count, updated_at
		FROM conversation_state WHERE conversation_id = ?`, conversationID).
		Scan(&cs.ConversationID, &cs.Summary, &cs.MessageCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.NewError(relay.CodeNotFound, "conversation state not found", false, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation state: %w", err)
	}
	cs.UpdatedAt = parseTime(updatedAt)
	return &cs, nil
}

// UpsertConversationState replaces the summary wholesale and advances the
// message-count checkpoint. The count never moves backwards.
func (s *SQLiteStore) UpsertConversationState(conversationID, summary string, messageCount int) (*ConversationState, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, relay.NewValidationError("conversation_id is required")
	}
	existing, err := s.GetConversationState(conversationID)
	if err != nil {
		var re *relay.Error
		if !errors.As(err, &re) || re.Code != relay.CodeNotFound {
			return nil, err
		}
	}
	if existing != nil && messageCount < existing.MessageCount {
		messageCount = existing.MessageCount
	}
	now := s.now()
	if _, err := s.db.Exec(`INSERT INTO conversation_state (conversation_id, summary, message_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET summary = excluded.summary,
			message_count = excluded.message_count, updated_at = excluded.updated_at`,
		conversationID, summary, messageCount, timeToString(now),
	); err != nil {
		return nil, fmt.Errorf("upsert conversation state: %w", err)
	}
	return &ConversationState{
		ConversationID: conversationID,
		Summary:        summary,
		MessageCount:   messageCount,
		UpdatedAt:      now,
	}, nil
}

// ResolveIdentity maps a gateway-scoped user id to the canonical user id.
func (s *SQLiteStore) ResolveIdentity(network relay.Network, networkUserID string) (string, error) {
	var canonical string
	err := s.db.QueryRow(`SELECT canonical_user FROM identities WHERE network = ? AND network_user_id = ?`,
		string(network), networkUserID).Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return "", relay.NewError(relay.CodeNotFound, "identity not mapped", false, 0)
	}
	if err != nil {
		return "", fmt.Errorf("resolve identity: %w", err)
	}
	return canonical, nil
}

func (s *SQLiteStore) BindIdentity(network relay.Network, networkUserID, canonicalUser string) error {
	if !relay.KnownNetwork(network) {
		return relay.NewError(relay.CodeUnknownNetwork, "network "+string(network)+" is not recognized", false, 0)
	}
	if strings.TrimSpace(networkUserID) == "" || strings.TrimSpace(canonicalUser) == "" {
		return relay.NewValidationError("network_user_id and canonical_user are required")
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO identities (network, network_user_id, canonical_user, created_at)
		VALUES (?, ?, ?, ?)`,
		string(network), networkUserID, canonicalUser, timeToString(s.now()),
	)
	if err != nil {
		return fmt.Errorf("bind identity: %w", err)
	}
	return nil
}

// AddressForUser returns a routable gateway address for a canonical user,
// preferring the most recently bound mapping.
func (s *SQLiteStore) AddressForUser(canonicalUser string) (*Address, error) {
	var a Address
	err := s.db.QueryRow(`SELECT network, network_user_id FROM identities
		WHERE canonical_user = ? ORDER BY created_at DESC LIMIT 1`, canonicalUser).
		Scan(&a.Network, &a.NetworkUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.NewError(relay.CodeNotFound, "no routable address for user", false, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("address for user: %w", err)
	}
	return &a, nil
}

var _ API = (*SQLiteStore)(nil)
