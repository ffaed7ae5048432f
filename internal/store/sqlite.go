package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default persistence backend, a single local file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The worker is single-threaded but the API serves reads concurrently;
	// a single writer connection avoids SQLITE_BUSY on commits.
	db.SetMaxOpenConns(1)
	if err := initSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			linkedin_id TEXT NOT NULL UNIQUE,
			profile_url TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			company TEXT NOT NULL DEFAULT '',
			industry TEXT NOT NULL DEFAULT 'Unknown',
			about TEXT NOT NULL DEFAULT '',
			experience TEXT NOT NULL DEFAULT '',
			is_connected INTEGER NOT NULL DEFAULT 0,
			connection_status TEXT NOT NULL DEFAULT 'unknown',
			sequence_state TEXT NOT NULL DEFAULT 'New',
			last_shown_at TIMESTAMP NULL,
			last_messaged_at TIMESTAMP NULL,
			last_contact_at TIMESTAMP NULL,
			has_replied INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_shown ON contacts (is_connected, last_shown_at);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			contact_id INTEGER NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			message_type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			attach_video INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'draft',
			error_message TEXT NOT NULL DEFAULT '',
			sent_at TIMESTAMP NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_contact ON messages (contact_id, message_type, status);`,
		`CREATE TABLE IF NOT EXISTS daily_batches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_date TEXT NOT NULL,
			batch_type TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (batch_date, batch_type)
		);`,
		`CREATE TABLE IF NOT EXISTS daily_batch_contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id INTEGER NOT NULL REFERENCES daily_batches(id) ON DELETE CASCADE,
			contact_id INTEGER NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			selected INTEGER NOT NULL DEFAULT 1,
			message_id INTEGER NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const contactColumns = `id, linkedin_id, profile_url, full_name, first_name, title, company,
	industry, about, experience, is_connected, connection_status, sequence_state,
	last_shown_at, last_messaged_at, last_contact_at, has_replied, tags, created_at, updated_at`

func (s *SQLiteStore) CreateContact(ctx context.Context, c *Contact) error {
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (
			linkedin_id, profile_url, full_name, first_name, title, company, industry,
			about, experience, is_connected, connection_status, sequence_state,
			last_shown_at, last_messaged_at, last_contact_at, has_replied, tags, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.LinkedInID, c.ProfileURL, c.FullName, c.FirstName, c.Title, c.Company, c.Industry,
		c.About, c.Experience, boolToInt(c.IsConnected), string(c.ConnectionStatus), string(c.SequenceState),
		c.LastShownAt, c.LastMessagedAt, c.LastContactAt, boolToInt(c.HasReplied), c.Tags, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert contact: %w", err)
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("contact id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateContact(ctx context.Context, c *Contact) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET
			profile_url=?, full_name=?, first_name=?, title=?, company=?, industry=?,
			about=?, experience=?, is_connected=?, connection_status=?, sequence_state=?,
			last_shown_at=?, last_messaged_at=?, last_contact_at=?, has_replied=?, tags=?, updated_at=?
		WHERE id=?`,
		c.ProfileURL, c.FullName, c.FirstName, c.Title, c.Company, c.Industry,
		c.About, c.Experience, boolToInt(c.IsConnected), string(c.ConnectionStatus), string(c.SequenceState),
		c.LastShownAt, c.LastMessagedAt, c.LastContactAt, boolToInt(c.HasReplied), c.Tags, c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
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

func (s *SQLiteStore) GetContact(ctx context.Context, id int64) (Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id=?`, id)
	return scanContact(row)
}

func (s *SQLiteStore) GetContactByLinkedInID(ctx context.Context, linkedinID string) (Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE linkedin_id=?`, linkedinID)
	return scanContact(row)
}

func (s *SQLiteStore) ListContacts(ctx context.Context, f ContactFilter) ([]Contact, error) {
	q := `SELECT ` + contactColumns + ` FROM contacts`
	var (
		conds []string
		args  []any
	)
	if f.Connected != nil {
		conds = append(conds, "is_connected=?")
		args = append(args, boolToInt(*f.Connected))
	}
	if f.SequenceState != "" {
		conds = append(conds, "sequence_state=?")
		args = append(args, string(f.SequenceState))
	}
	if f.Industry != "" {
		conds = append(conds, "industry=?")
		args = append(args, f.Industry)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()
	return scanContacts(rows)
}

func (s *SQLiteStore) CountContacts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ContactStats(ctx context.Context) (ContactStats, error) {
	stats := ContactStats{ByState: make(map[string]int)}
	row := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(is_connected),0),
		COALESCE(SUM(has_replied),0),
		(SELECT COUNT(DISTINCT contact_id) FROM messages WHERE message_type='initial' AND status='sent')
	FROM contacts`)
	if err := row.Scan(&stats.Total, &stats.Connected, &stats.Replied, &stats.Messaged); err != nil {
		return ContactStats{}, fmt.Errorf("contact stats: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT sequence_state, COUNT(*) FROM contacts GROUP BY sequence_state`)
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

func (s *SQLiteStore) BatchCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Contact, error) {
	// SQLite sorts NULLs first on ASC by default, which is exactly the
	// never-shown-first ordering we want.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts
		 WHERE is_connected=1
		   AND (last_shown_at IS NULL OR last_shown_at < ?)
		   AND id NOT IN (SELECT contact_id FROM messages WHERE message_type='initial' AND status='sent')
		 ORDER BY last_shown_at ASC, id ASC
		 LIMIT ?`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("batch candidates: %w", err)
	}
	defer rows.Close()
	return scanContacts(rows)
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = MessageDraft
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (contact_id, message_type, content, attach_video, status, error_message, sent_at, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		m.ContactID, string(m.Type), m.Content, boolToInt(m.AttachVideo), string(m.Status), m.ErrorMessage, m.SentAt, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, contact_id, message_type, content, attach_video, status, error_message, sent_at, created_at
		 FROM messages WHERE id=?`, id)
	return scanMessage(row)
}

func (s *SQLiteStore) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	q := `SELECT id, contact_id, message_type, content, attach_video, status, error_message, sent_at, created_at FROM messages`
	var (
		conds []string
		args  []any
	)
	if f.ContactID != 0 {
		conds = append(conds, "contact_id=?")
		args = append(args, f.ContactID)
	}
	if f.Type != "" {
		conds = append(conds, "message_type=?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id int64, status MessageStatus, errMsg string, sentAt *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id=?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read message status: %w", err)
	}
	if !MessageStatus(current).CanTransition(status) {
		return ErrInvalidTransition
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET status=?, error_message=?, sent_at=COALESCE(?, sent_at) WHERE id=?`,
		string(status), errMsg, sentAt, id,
	); err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) FollowupCandidates(ctx context.Context, dayStart, dayEnd time.Time) ([]FollowupCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.sent_at, `+prefixColumns("c", contactColumns)+`
		 FROM messages m
		 JOIN contacts c ON c.id = m.contact_id
		 WHERE m.message_type='initial' AND m.status='sent'
		   AND m.sent_at >= ? AND m.sent_at < ?
		   AND c.has_replied=0
		 ORDER BY c.id ASC`,
		dayStart, dayEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("followup candidates: %w", err)
	}
	defer rows.Close()

	out := make([]FollowupCandidate, 0)
	for rows.Next() {
		var (
			fc     FollowupCandidate
			sentAt time.Time
		)
		dest := []any{&fc.InitialMessageID, &sentAt}
		dest = append(dest, contactScanDest(&fc.Contact)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan followup candidate: %w", err)
		}
		fc.SentAt = sentAt
		out = append(out, fc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetBatchByDate(ctx context.Context, batchDate string, typ BatchType) (DailyBatch, error) {
	var b DailyBatch
	row := s.db.QueryRowContext(ctx,
		`SELECT id, batch_date, batch_type, created_at FROM daily_batches WHERE batch_date=? AND batch_type=?`,
		batchDate, string(typ),
	)
	var bt string
	if err := row.Scan(&b.ID, &b.BatchDate, &bt, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DailyBatch{}, ErrNotFound
		}
		return DailyBatch{}, fmt.Errorf("get batch: %w", err)
	}
	b.Type = BatchType(bt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, contact_id, selected, message_id FROM daily_batch_contacts WHERE batch_id=? ORDER BY id ASC`,
		b.ID,
	)
	if err != nil {
		return DailyBatch{}, fmt.Errorf("list batch entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e     BatchEntry
			sel   int
			msgID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.BatchID, &e.ContactID, &sel, &msgID); err != nil {
			return DailyBatch{}, fmt.Errorf("scan batch entry: %w", err)
		}
		e.Selected = sel != 0
		if msgID.Valid {
			v := msgID.Int64
			e.MessageID = &v
		}
		b.Entries = append(b.Entries, e)
	}
	return b, rows.Err()
}

func (s *SQLiteStore) CreateBatchWithEntries(ctx context.Context, b *DailyBatch, contactIDs []int64, shownAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO daily_batches (batch_date, batch_type, created_at) VALUES (?,?,?)`,
		b.BatchDate, string(b.Type), b.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	b.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("batch id: %w", err)
	}

	b.Entries = b.Entries[:0]
	for _, contactID := range contactIDs {
		eres, err := tx.ExecContext(ctx,
			`INSERT INTO daily_batch_contacts (batch_id, contact_id, selected) VALUES (?,?,1)`,
			b.ID, contactID,
		)
		if err != nil {
			return fmt.Errorf("insert batch entry: %w", err)
		}
		entryID, err := eres.LastInsertId()
		if err != nil {
			return fmt.Errorf("batch entry id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE contacts SET last_shown_at=?, updated_at=? WHERE id=?`,
			shownAt, shownAt, contactID,
		); err != nil {
			return fmt.Errorf("stamp last_shown_at: %w", err)
		}
		b.Entries = append(b.Entries, BatchEntry{ID: entryID, BatchID: b.ID, ContactID: contactID, Selected: true})
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetEntryMessage(ctx context.Context, batchID, contactID, messageID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE daily_batch_contacts SET message_id=? WHERE batch_id=? AND contact_id=?`,
		messageID, batchID, contactID,
	)
	if err != nil {
		return fmt.Errorf("set entry message: %w", err)
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

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func contactScanDest(c *Contact) []any {
	return []any{
		&c.ID, &c.LinkedInID, &c.ProfileURL, &c.FullName, &c.FirstName, &c.Title, &c.Company,
		&c.Industry, &c.About, &c.Experience, &c.IsConnected, &c.ConnectionStatus, &c.SequenceState,
		&c.LastShownAt, &c.LastMessagedAt, &c.LastContactAt, &c.HasReplied, &c.Tags, &c.CreatedAt, &c.UpdatedAt,
	}
}

func scanContact(row rowScanner) (Contact, error) {
	var (
		c                        Contact
		isConnected, hasReplied  int
		connStatus, seqState     string
		shown, messaged, contact sql.NullTime
	)
	if err := row.Scan(
		&c.ID, &c.LinkedInID, &c.ProfileURL, &c.FullName, &c.FirstName, &c.Title, &c.Company,
		&c.Industry, &c.About, &c.Experience, &isConnected, &connStatus, &seqState,
		&shown, &messaged, &contact, &hasReplied, &c.Tags, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("scan contact: %w", err)
	}
	c.IsConnected = isConnected != 0
	c.HasReplied = hasReplied != 0
	c.ConnectionStatus = ConnectionStatus(connStatus)
	c.SequenceState = SequenceState(seqState)
	c.LastShownAt = nullTimePtr(shown)
	c.LastMessagedAt = nullTimePtr(messaged)
	c.LastContactAt = nullTimePtr(contact)
	return c, nil
}

func scanContacts(rows *sql.Rows) ([]Contact, error) {
	out := make([]Contact, 0)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m           Message
		attachVideo int
		typ, status string
		sentAt      sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.ContactID, &typ, &m.Content, &attachVideo, &status, &m.ErrorMessage, &sentAt, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Type = MessageType(typ)
	m.Status = MessageStatus(status)
	m.AttachVideo = attachVideo != 0
	m.SentAt = nullTimePtr(sentAt)
	return m, nil
}

func scanMessageRows(rows *sql.Rows) (Message, error) {
	return scanMessage(rows)
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
