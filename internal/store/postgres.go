package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, strings.ToLower(user.Email), user.PasswordHash, user.Role).Scan(&user.CreatedAt)
	if isUniqueViolation(err) {
		return User{}, fmt.Errorf("insert user %s: %w", user.Email, ErrConflict)
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	user.Email = strings.ToLower(user.Email)
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var (
		user      User
		lastLogin sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT email, password_hash, role, created_at, last_login
		FROM users WHERE email = $1
	`, strings.ToLower(email)).Scan(&user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}
	return user, nil
}

func (s *PostgresStore) TouchLastLogin(ctx context.Context, email string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login=$2 WHERE email=$1`, strings.ToLower(email), at)
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

const threadColumns = `id, subject, pet_id, owner_email, partner_email, last_message, last_time, created_at, hidden_for_owner, hidden_for_partner`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (Thread, error) {
	var (
		t           Thread
		petID       sql.NullInt64
		lastMessage sql.NullString
		lastTime    sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Subject, &petID, &t.OwnerEmail, &t.PartnerEmail, &lastMessage, &lastTime, &t.CreatedAt, &t.HiddenForOwner, &t.HiddenForPartner); err != nil {
		return Thread{}, err
	}
	if petID.Valid {
		t.PetID = &petID.Int64
	}
	if lastMessage.Valid {
		t.LastMessage = &lastMessage.String
	}
	if lastTime.Valid {
		t.LastTime = &lastTime.Time
	}
	return t, nil
}

func nullablePetID(petID *int64) any {
	if petID == nil || *petID == NoPet {
		return nil
	}
	return *petID
}

func hiddenColumn(side Side) (string, error) {
	switch side {
	case SideOwner:
		return "hidden_for_owner", nil
	case SidePartner:
		return "hidden_for_partner", nil
	default:
		return "", fmt.Errorf("unknown thread side %d", side)
	}
}

// FindThread looks a thread up by its identity triple. owner and partner must
// already be in canonical order.
func (s *PostgresStore) FindThread(ctx context.Context, petID int64, owner, partner string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE COALESCE(pet_id, 0) = $1
			AND LEAST(owner_email, partner_email) = LEAST($2::text, $3::text)
			AND GREATEST(owner_email, partner_email) = GREATEST($2::text, $3::text)
	`, petID, owner, partner)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("find thread: %w", err)
	}
	return t, nil
}

// CreateThread inserts t unless a thread with the same identity exists, in
// which case the existing row is returned with created=false.
func (s *PostgresStore) CreateThread(ctx context.Context, t Thread) (Thread, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO threads (id, subject, pet_id, owner_email, partner_email, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING `+threadColumns,
		t.ID, t.Subject, nullablePetID(t.PetID), t.OwnerEmail, t.PartnerEmail, t.CreatedAt)
	created, err := scanThread(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) && !isUniqueViolation(err) {
		return Thread{}, false, fmt.Errorf("insert thread: %w", err)
	}

	petID := NoPet
	if t.PetID != nil {
		petID = *t.PetID
	}
	existing, err := s.FindThread(ctx, petID, t.OwnerEmail, t.PartnerEmail)
	if err != nil {
		return Thread{}, false, fmt.Errorf("reread thread after conflict: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (Thread, error) {
	t, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

// RevealThread clears the hidden flag of one side.
func (s *PostgresStore) RevealThread(ctx context.Context, id string, side Side) (Thread, error) {
	column, err := hiddenColumn(side)
	if err != nil {
		return Thread{}, err
	}
	t, err := scanThread(s.db.QueryRowContext(ctx, `
		UPDATE threads SET `+column+` = FALSE
		WHERE id = $1
		RETURNING `+threadColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("reveal thread: %w", err)
	}
	return t, nil
}

// ListVisibleThreads returns the threads email takes part in and has not
// hidden, most recently active first.
func (s *PostgresStore) ListVisibleThreads(ctx context.Context, email string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE (owner_email = $1 AND hidden_for_owner = FALSE)
			OR (partner_email = $1 AND hidden_for_partner = FALSE)
		ORDER BY COALESCE(last_time, created_at) DESC, id
	`, strings.ToLower(email))
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]Thread, 0)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

// HideThread sets one side's hidden flag. When both sides end up hidden the
// thread and its messages are deleted in the same transaction and purged is
// true.
func (s *PostgresStore) HideThread(ctx context.Context, id string, side Side) (purged bool, err error) {
	column, err := hiddenColumn(side)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var hiddenOwner, hiddenPartner bool
	err = tx.QueryRowContext(ctx, `
		UPDATE threads SET `+column+` = TRUE
		WHERE id = $1
		RETURNING hidden_for_owner, hidden_for_partner
	`, id).Scan(&hiddenOwner, &hiddenPartner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("hide thread: %w", err)
	}

	if hiddenOwner && hiddenPartner {
		if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id=$1`, id); err != nil {
			return false, fmt.Errorf("purge thread: %w", err)
		}
		purged = true
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return purged, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, sender_email, text, attachments, created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY created_at ASC, id ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			m           Message
			text        sql.NullString
			attachments []byte
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderEmail, &text, &attachments, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Text = text.String
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments for message %s: %w", m.ID, err)
		}
		if m.Attachments == nil {
			m.Attachments = []Attachment{}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// AppendMessage stores msg and moves the thread preview forward in one
// transaction. A preview older than the current one is left untouched.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message, preview string) error {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	encoded, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	var text any
	if msg.Text != "" {
		text = msg.Text
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, sender_email, text, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, msg.ID, msg.ThreadID, msg.SenderEmail, text, string(encoded), msg.CreatedAt)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE threads SET last_message=$2, last_time=$3
		WHERE id=$1 AND (last_time IS NULL OR last_time <= $3)
	`, msg.ThreadID, preview, msg.CreatedAt); err != nil {
		return fmt.Errorf("update thread preview: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
