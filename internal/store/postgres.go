package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			id BIGSERIAL PRIMARY KEY,
			linkedin_id TEXT NOT NULL UNIQUE,
			profile_url TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			company TEXT NOT NULL DEFAULT '',
			industry TEXT NOT NULL DEFAULT 'Unknown',
			about TEXT NOT NULL DEFAULT '',
			experience TEXT NOT NULL DEFAULT '',
			is_connected BOOLEAN NOT NULL DEFAULT FALSE,
			connection_status TEXT NOT NULL DEFAULT 'unknown',
			sequence_state TEXT NOT NULL DEFAULT 'New',
			last_shown_at TIMESTAMPTZ NULL,
			last_messaged_at TIMESTAMPTZ NULL,
			last_contact_at TIMESTAMPTZ NULL,
			has_replied BOOLEAN NOT NULL DEFAULT FALSE,
			tags TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_shown ON contacts (is_connected, last_shown_at);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			contact_id BIGINT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			message_type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			attach_video BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL DEFAULT 'draft',
			error_message TEXT NOT NULL DEFAULT '',
			sent_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_contact ON messages (contact_id, message_type, status);`,
		`CREATE TABLE IF NOT EXISTS daily_batches (
			id BIGSERIAL PRIMARY KEY,
			batch_date TEXT NOT NULL,
			batch_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (batch_date, batch_type)
		);`,
		`CREATE TABLE IF NOT EXISTS daily_batch_contacts (
			id BIGSERIAL PRIMARY KEY,
			batch_id BIGINT NOT NULL REFERENCES daily_batches(id) ON DELETE CASCADE,
			contact_id BIGINT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			selected BOOLEAN NOT NULL DEFAULT TRUE,
			message_id BIGINT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init postgres schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateContact(ctx context.Context, c *Contact) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Industry == "" {
		c.Industry = "Unknown"
	}
	if c.ConnectionStatus == "" {
		c.ConnectionStatus = ConnectionUnknown
	}
	if c.SequenceState == "" {
		c.SequenceState = StateNew
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO contacts (
			linkedin_id, profile_url, full_name, first_name, title, company, industry,
			about, experience, is_connected, connection_status, sequence_state,
			last_shown_at, last_messaged_at, last_contact_at, has_replied, tags, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING id`,
		c.LinkedInID, c.ProfileURL, c.FullName, c.FirstName, c.Title, c.Company, c.Industry,
		c.About, c.Experience, c.IsConnected, string(c.ConnectionStatus), string(c.SequenceState),
		c.LastShownAt, c.LastMessagedAt, c.LastContactAt, c.HasReplied, c.Tags, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateContact(ctx context.Context, c *Contact) error {
	c.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE contacts SET
			profile_url=$1, full_name=$2, first_name=$3, title=$4, company=$5, industry=$6,
			about=$7, experience=$8, is_connected=$9, connection_status=$10, sequence_state=$11,
			last_shown_at=$12, last_messaged_at=$13, last_contact_at=$14, has_replied=$15, tags=$16, updated_at=$17
		WHERE id=$18`,
		c.ProfileURL, c.FullName, c.FirstName, c.Title, c.Company, c.Industry,
		c.About, c.Experience, c.IsConnected, string(c.ConnectionStatus), string(c.SequenceState),
		c.LastShownAt, c.LastMessagedAt, c.LastContactAt, c.HasReplied, c.Tags, c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetContact(ctx context.Context, id int64) (Contact, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id=$1`, id)
	return scanPgContact(row)
}

func (s *PostgresStore) GetContactByLinkedInID(ctx context.Context, linkedinID string) (Contact, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE linkedin_id=$1`, linkedinID)
	return scanPgContact(row)
}

func (s *PostgresStore) ListContacts(ctx context.Context, f ContactFilter) ([]Contact, error) {
	q := `SELECT ` + contactColumns + ` FROM contacts`
	var (
		conds []string
		args  []any
	)
	if f.Connected != nil {
		args = append(args, *f.Connected)
		conds = append(conds, fmt.Sprintf("is_connected=$%d", len(args)))
	}
	if f.SequenceState != "" {
		args = append(args, string(f.SequenceState))
		conds = append(conds, fmt.Sprintf("sequence_state=$%d", len(args)))
	}
	if f.Industry != "" {
		args = append(args, f.Industry)
		conds = append(conds, fmt.Sprintf("industry=$%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
		if f.Offset > 0 {
			args = append(args, f.Offset)
			q += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()
	return scanPgContacts(rows)
}

func (s *PostgresStore) CountContacts(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ContactStats(ctx context.Context) (ContactStats, error) {
	stats := ContactStats{ByState: make(map[string]int)}
	row := s.pool.QueryRow(ctx, `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE is_connected),
		COUNT(*) FILTER (WHERE has_replied),
		(SELECT COUNT(DISTINCT contact_id) FROM messages WHERE message_type='initial' AND status='sent')
	FROM contacts`)
	if err := row.Scan(&stats.Total, &stats.Connected, &stats.Replied, &stats.Messaged); err != nil {
		return ContactStats{}, fmt.Errorf("contact stats: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT sequence_state, COUNT(*) FROM contacts GROUP BY sequence_state`)
	if err != nil {
		return ContactStats{}, fmt.Errorf("contact stats by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return ContactStats{}, err
		}
		stats.ByState[state] = n
	}
	return stats, rows.Err()
}

func (s *PostgresStore) BatchCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Contact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts
		 WHERE is_connected
		   AND (last_shown_at IS NULL OR last_shown_at < $1)
		   AND id NOT IN (SELECT contact_id FROM messages WHERE message_type='initial' AND status='sent')
		 ORDER BY last_shown_at ASC NULLS FIRST, id ASC
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("batch candidates: %w", err)
	}
	defer rows.Close()
	return scanPgContacts(rows)
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = MessageDraft
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (contact_id, message_type, content, attach_video, status, error_message, sent_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		m.ContactID, string(m.Type), m.Content, m.AttachVideo, string(m.Status), m.ErrorMessage, m.SentAt, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, contact_id, message_type, content, attach_video, status, error_message, sent_at, created_at
		 FROM messages WHERE id=$1`, id)
	return scanPgMessage(row)
}

func (s *PostgresStore) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	q := `SELECT id, contact_id, message_type, content, attach_video, status, error_message, sent_at, created_at FROM messages`
	var (
		conds []string
		args  []any
	)
	if f.ContactID != 0 {
		args = append(args, f.ContactID)
		conds = append(conds, fmt.Sprintf("contact_id=$%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		conds = append(conds, fmt.Sprintf("message_type=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanPgMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id int64, status MessageStatus, errMsg string, sentAt *time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM messages WHERE id=$1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read message status: %w", err)
	}
	if !MessageStatus(current).CanTransition(status) {
		return ErrInvalidTransition
	}
	if _, err := tx.Exec(ctx,
		`UPDATE messages SET status=$1, error_message=$2, sent_at=COALESCE($3, sent_at) WHERE id=$4`,
		string(status), errMsg, sentAt, id,
	); err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) FollowupCandidates(ctx context.Context, dayStart, dayEnd time.Time) ([]FollowupCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.sent_at, `+prefixColumns("c", contactColumns)+`
		 FROM messages m
		 JOIN contacts c ON c.id = m.contact_id
		 WHERE m.message_type='initial' AND m.status='sent'
		   AND m.sent_at >= $1 AND m.sent_at < $2
		   AND NOT c.has_replied
		 ORDER BY c.id ASC`,
		dayStart, dayEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("followup candidates: %w", err)
	}
	defer rows.Close()

	out := make([]FollowupCandidate, 0)
	for rows.Next() {
		var fc FollowupCandidate
		dest := []any{&fc.InitialMessageID, &fc.SentAt}
		dest = append(dest, contactScanDest(&fc.Contact)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan followup candidate: %w", err)
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetBatchByDate(ctx context.Context, batchDate string, typ BatchType) (DailyBatch, error) {
	var (
		b  DailyBatch
		bt string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, batch_date, batch_type, created_at FROM daily_batches WHERE batch_date=$1 AND batch_type=$2`,
		batchDate, string(typ),
	).Scan(&b.ID, &b.BatchDate, &bt, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DailyBatch{}, ErrNotFound
		}
		return DailyBatch{}, fmt.Errorf("get batch: %w", err)
	}
	b.Type = BatchType(bt)

	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, contact_id, selected, message_id FROM daily_batch_contacts WHERE batch_id=$1 ORDER BY id ASC`,
		b.ID,
	)
	if err != nil {
		return DailyBatch{}, fmt.Errorf("list batch entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e BatchEntry
		if err := rows.Scan(&e.ID, &e.BatchID, &e.ContactID, &e.Selected, &e.MessageID); err != nil {
			return DailyBatch{}, fmt.Errorf("scan batch entry: %w", err)
		}
		b.Entries = append(b.Entries, e)
	}
	return b, rows.Err()
}

func (s *PostgresStore) CreateBatchWithEntries(ctx context.Context, b *DailyBatch, contactIDs []int64, shownAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO daily_batches (batch_date, batch_type, created_at) VALUES ($1,$2,$3) RETURNING id`,
		b.BatchDate, string(b.Type), b.CreatedAt,
	).Scan(&b.ID)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert batch: %w", err)
	}

	b.Entries = b.Entries[:0]
	for _, contactID := range contactIDs {
		var entryID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO daily_batch_contacts (batch_id, contact_id, selected) VALUES ($1,$2,TRUE) RETURNING id`,
			b.ID, contactID,
		).Scan(&entryID)
		if err != nil {
			return fmt.Errorf("insert batch entry: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE contacts SET last_shown_at=$1, updated_at=$1 WHERE id=$2`,
			shownAt, contactID,
		); err != nil {
			return fmt.Errorf("stamp last_shown_at: %w", err)
		}
		b.Entries = append(b.Entries, BatchEntry{ID: entryID, BatchID: b.ID, ContactID: contactID, Selected: true})
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetEntryMessage(ctx context.Context, batchID, contactID, messageID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE daily_batch_contacts SET message_id=$1 WHERE batch_id=$2 AND contact_id=$3`,
		messageID, batchID, contactID,
	)
	if err != nil {
		return fmt.Errorf("set entry message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgContact(row pgx.Row) (Contact, error) {
	var c Contact
	if err := row.Scan(contactScanDest(&c)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("scan contact: %w", err)
	}
	return c, nil
}

func scanPgContacts(rows pgx.Rows) ([]Contact, error) {
	out := make([]Contact, 0)
	for rows.Next() {
		c, err := scanPgContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanPgMessage(row pgx.Row) (Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.ContactID, &m.Type, &m.Content, &m.AttachVideo, &m.Status, &m.ErrorMessage, &m.SentAt, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	return m, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
