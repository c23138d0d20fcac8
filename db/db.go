package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Closi1/Scarlet-messenger/models"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows            = errors.New("no rows found")
	ErrDuplicateIdentity = errors.New("identity already taken")
	ErrInvalidIdentity   = errors.New("invalid identity")
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// One writer at a time; sqlite serializes anyway and this avoids
	// SQLITE_BUSY between the network loops and the facade.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			status_text TEXT NOT NULL DEFAULT '',
			last_seen TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			contact TEXT NOT NULL,
			UNIQUE(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS group_chats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			creator TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id INTEGER NOT NULL REFERENCES group_chats(id),
			username TEXT NOT NULL,
			UNIQUE(group_id, username)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			is_read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(username)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func isDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func validateUsername(username string) error {
	if username == "" {
		return ErrInvalidIdentity
	}
	// All-digit names would be indistinguishable from group ids in the
	// receiver column.
	allDigits := true
	for _, r := range username {
		if r < '0' || r > '9' {
			allDigits = false
			break
		}
	}
	if allDigits {
		return ErrInvalidIdentity
	}
	return nil
}

// Account methods

func (db *DB) CreateAccount(username, password string) error {
	if err := validateUsername(username); err != nil {
		return err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO accounts (username, password) VALUES (?, ?)",
		username, string(hashed),
	); err != nil {
		if isDuplicate(err) {
			return ErrDuplicateIdentity
		}
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(
		"INSERT INTO profiles (username, display_name, status_text, last_seen) VALUES (?, ?, 'online', ?)",
		username, username, now,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// VerifyCredential checks a plaintext password. On success it also returns
// the stored hash so callers can remember it for hash-based resumption.
func (db *DB) VerifyCredential(username, password string) (bool, string, error) {
	var hashed string
	err := db.conn.QueryRow("SELECT password FROM accounts WHERE username = ?", username).Scan(&hashed)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}

	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) != nil {
		return false, "", nil
	}
	return true, hashed, nil
}

// VerifyCredentialHash resumes a session using a hash previously returned by
// VerifyCredential, without the plaintext password.
func (db *DB) VerifyCredentialHash(username, hash string) (bool, error) {
	var stored string
	err := db.conn.QueryRow("SELECT password FROM accounts WHERE username = ?", username).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return hash != "" && stored == hash, nil
}

func (db *DB) AccountExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM accounts WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Profile methods

// UpdateProfile updates the provided fields; empty strings leave a field
// unchanged.
func (db *DB) UpdateProfile(username, displayName, statusText string) error {
	if displayName != "" {
		if _, err := db.conn.Exec(
			"UPDATE profiles SET display_name = ? WHERE username = ?",
			displayName, username,
		); err != nil {
			return err
		}
	}
	if statusText != "" {
		if _, err := db.conn.Exec(
			"UPDATE profiles SET status_text = ? WHERE username = ?",
			statusText, username,
		); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) Profile(username string) (models.Profile, error) {
	var p models.Profile
	var lastSeen string
	err := db.conn.QueryRow(
		"SELECT username, display_name, status_text, last_seen FROM profiles WHERE username = ?",
		username,
	).Scan(&p.Username, &p.DisplayName, &p.StatusText, &lastSeen)
	if err == sql.ErrNoRows {
		return models.Profile{}, ErrNoRows
	}
	if err != nil {
		return models.Profile{}, err
	}
	p.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	return p, nil
}

func (db *DB) TouchLastSeen(username string, t time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE profiles SET last_seen = ? WHERE username = ?",
		t.UTC().Format(time.RFC3339), username,
	)
	return err
}

// RenameAccount renames an identity across every table that references it,
// in a single transaction. A collision with an existing username leaves the
// store untouched and reports ErrDuplicateIdentity.
func (db *DB) RenameAccount(oldName, newName string) error {
	if err := validateUsername(newName); err != nil {
		return err
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	updates := []struct {
		query string
	}{
		{"UPDATE accounts SET username = ? WHERE username = ?"},
		{"UPDATE profiles SET username = ? WHERE username = ?"},
		{"UPDATE contacts SET owner = ? WHERE owner = ?"},
		{"UPDATE contacts SET contact = ? WHERE contact = ?"},
		{"UPDATE messages SET sender = ? WHERE sender = ?"},
		{"UPDATE messages SET receiver = ? WHERE receiver = ?"},
		{"UPDATE group_chats SET creator = ? WHERE creator = ?"},
		{"UPDATE group_members SET username = ? WHERE username = ?"},
	}

	for _, u := range updates {
		if _, err := tx.Exec(u.query, newName, oldName); err != nil {
			if isDuplicate(err) {
				return ErrDuplicateIdentity
			}
			return fmt.Errorf("rename %s: %w", oldName, err)
		}
	}

	return tx.Commit()
}

// Contact methods

// AddContact records a watch edge. Adding an existing edge is a no-op.
func (db *DB) AddContact(owner, contact string) error {
	_, err := db.conn.Exec(
		"INSERT OR IGNORE INTO contacts (owner, contact) VALUES (?, ?)",
		owner, contact,
	)
	return err
}

func (db *DB) Contacts(owner string) ([]string, error) {
	rows, err := db.conn.Query(
		"SELECT contact FROM contacts WHERE owner = ? ORDER BY contact",
		owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// Group methods

// CreateGroup creates a group and joins the creator in the same transaction.
func (db *DB) CreateGroup(name, creator string) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec("INSERT INTO group_chats (name, creator) VALUES (?, ?)", name, creator)
	if err != nil {
		return 0, err
	}

	groupID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(
		"INSERT INTO group_members (group_id, username) VALUES (?, ?)",
		groupID, creator,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return groupID, nil
}

// AddGroupMember joins a user to a group. Joining twice is a no-op.
func (db *DB) AddGroupMember(groupID int64, username string) error {
	_, err := db.conn.Exec(
		"INSERT OR IGNORE INTO group_members (group_id, username) VALUES (?, ?)",
		groupID, username,
	)
	return err
}

func (db *DB) Groups(username string) ([]models.Group, error) {
	rows, err := db.conn.Query(`
		SELECT gc.id, gc.name, gc.creator
		FROM group_chats gc
		JOIN group_members gm ON gc.id = gm.group_id
		WHERE gm.username = ?
		ORDER BY gc.name`,
		username,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Creator); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}

	return groups, rows.Err()
}

// Message methods

// AppendMessage stores one utterance. Messages are append-only; nothing in
// the store updates or deletes them.
func (db *DB) AppendMessage(m models.Message) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (sender, receiver, kind, text, timestamp) VALUES (?, ?, ?, ?, ?)",
		m.Sender, m.Receiver, m.Kind, m.Text, m.Timestamp.UTC().Format(time.RFC3339),
	)
	return err
}

func (db *DB) scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var timestampStr string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Kind, &m.Text, &timestampStr, &m.Read); err != nil {
			return nil, err
		}
		m.Timestamp, _ = time.Parse(time.RFC3339, timestampStr)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Queries select the newest rows; history reads chronologically.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// PrivateHistory returns the newest private messages between two identities
// in chronological order, bounded by limit.
func (db *DB) PrivateHistory(a, b string, limit int) ([]models.Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, sender, receiver, kind, text, timestamp, is_read
		FROM messages
		WHERE ((sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?))
		AND kind = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		a, b, b, a, models.KindPrivate, limit,
	)
	if err != nil {
		return nil, err
	}
	return db.scanMessages(rows)
}

// GroupHistory returns the newest messages of one group in chronological
// order, bounded by limit.
func (db *DB) GroupHistory(groupID int64, limit int) ([]models.Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, sender, receiver, kind, text, timestamp, is_read
		FROM messages
		WHERE receiver = ? AND kind = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		strconv.FormatInt(groupID, 10), models.KindGroup, limit,
	)
	if err != nil {
		return nil, err
	}
	return db.scanMessages(rows)
}

// AllHistory returns the newest messages touching one identity, directly or
// through any group it belongs to, in chronological order.
func (db *DB) AllHistory(username string, limit int) ([]models.Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, sender, receiver, kind, text, timestamp, is_read
		FROM messages
		WHERE sender = ? OR receiver = ? OR (kind = ? AND receiver IN (
			SELECT CAST(group_id AS TEXT) FROM group_members WHERE username = ?
		))
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		username, username, models.KindGroup, username, limit,
	)
	if err != nil {
		return nil, err
	}
	return db.scanMessages(rows)
}

// Key-value methods back the remembered-login and settings blobs consumed by
// the login flow.

func (db *DB) SetValue(key string, value []byte) error {
	_, err := db.conn.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

func (db *DB) GetValue(key string) ([]byte, error) {
	var value []byte
	err := db.conn.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (db *DB) DeleteValue(key string) error {
	_, err := db.conn.Exec("DELETE FROM kv WHERE key = ?", key)
	return err
}
