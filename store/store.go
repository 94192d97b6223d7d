// Package store implements the durable, crash-safe CryptoStore: the
// account, pairwise sessions keyed by peer identity key, inbound group
// sessions keyed by (sender key, session id), device directories, and
// tracking metadata. It is backed by sqlite, mirroring the teacher SDK's
// own storage.Storage component.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/olmvault/cryptoengine/errs"
	"github.com/olmvault/cryptoengine/logging"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// storeErr logs the failure under the same "[cryptoengine.store] ..."
// tag pkg/storage/storage.go uses for its own "[sdk.storage] ..." lines,
// then wraps it as a StoreError for the caller.
func storeErr(op string, err error) *errs.StoreError {
	logging.Errorf("[cryptoengine.store]", "%s failed: %s", op, err)
	return &errs.StoreError{Op: op, Err: err}
}

// Config configures a Store.
type Config struct {
	// StorageDir is the directory the sqlite database file lives in. It
	// is created if it does not already exist.
	StorageDir string
}

// Store is the sqlite-backed CryptoStore.
//
// Ordering: sqlite serialises writes to the same database regardless,
// and mu additionally serialises every Store method call. mu is held
// only for the duration of a single call, so a read-then-write sequence
// spanning two calls (e.g. HasInboundGroup then StoreInboundGroup) is not
// atomic at this level; callers that need that hold their own per-key
// lock around the sequence.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (creating if necessary) the sqlite-backed store at
// cfg.StorageDir.
func New(cfg *Config) (*Store, error) {
	if err := os.MkdirAll(cfg.StorageDir, 0o744); err != nil {
		return nil, storeErr("mkdir", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(cfg.StorageDir, "crypto.db"))
	if err != nil {
		return nil, storeErr("open", err)
	}

	s := &Store{db: db}

	if err := s.setPragmas(); err != nil {
		return nil, err
	}

	if err := s.createTables(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) setPragmas() error {
	_, err := s.db.Exec(`
		PRAGMA synchronous = NORMAL;
		PRAGMA journal_mode = WAL;
		PRAGMA temp_store = MEMORY;
	`)
	if err != nil {
		return storeErr("pragmas", err)
	}
	return nil
}

func (s *Store) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS account (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			pickle BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pairwise_sessions (
			peer_curve25519 TEXT NOT NULL,
			session_id TEXT NOT NULL,
			pickle BLOB NOT NULL,
			is_recent_recipient INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (peer_curve25519, session_id)
		);`,
		`CREATE TABLE IF NOT EXISTS inbound_group_sessions (
			sender_curve25519 TEXT NOT NULL,
			session_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			keys_claimed TEXT NOT NULL,
			pickle BLOB NOT NULL,
			PRIMARY KEY (sender_curve25519, session_id)
		);`,
		`CREATE TABLE IF NOT EXISTS devices (
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			record TEXT NOT NULL,
			PRIMARY KEY (user_id, device_id)
		);`,
		`CREATE TABLE IF NOT EXISTS tracking (
			user_id TEXT PRIMARY KEY,
			data INTEGER NOT NULL
		);`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return storeErr("create tables", err)
		}
	}

	return nil
}

// LoadAccount returns the persisted account pickle, or ErrNotFound if no
// account has been stored yet.
func (s *Store) LoadAccount() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pickle string
	err := s.db.QueryRow(`SELECT pickle FROM account WHERE id = 1;`).Scan(&pickle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storeErr("load account", err)
	}

	return pickle, nil
}

// StoreAccount upserts the account pickle. Last write wins.
func (s *Store) StoreAccount(pickle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO account (id, pickle) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET pickle = excluded.pickle;
	`, pickle)
	if err != nil {
		return storeErr("store account", err)
	}

	return nil
}

// StorePairwise upserts a pairwise session by (peerCurve25519, sessionID).
// isRecentRecipient is stored with the session and returned by
// GetPairwiseSessions; it carries no other semantics. Device.ChooseSession
// picks by session id alone and does not read it.
func (s *Store) StorePairwise(peerCurve25519, sessionID, pickle string, isRecentRecipient bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := 0
	if isRecentRecipient {
		recent = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO pairwise_sessions (peer_curve25519, session_id, pickle, is_recent_recipient)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_curve25519, session_id) DO UPDATE SET
			pickle = excluded.pickle,
			is_recent_recipient = excluded.is_recent_recipient;
	`, peerCurve25519, sessionID, pickle, recent)
	if err != nil {
		return storeErr("store pairwise session", err)
	}

	return nil
}

// PairwiseSession is a persisted pairwise session row.
type PairwiseSession struct {
	SessionID         string
	Pickle            string
	IsRecentRecipient bool
}

// GetPairwiseSessions returns every known session for peerCurve25519,
// keyed by session id.
func (s *Store) GetPairwiseSessions(peerCurve25519 string) (map[string]PairwiseSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT session_id, pickle, is_recent_recipient
		FROM pairwise_sessions WHERE peer_curve25519 = ?;
	`, peerCurve25519)
	if err != nil {
		return nil, storeErr("get pairwise sessions", err)
	}
	defer rows.Close()

	out := make(map[string]PairwiseSession)
	for rows.Next() {
		var sess PairwiseSession
		var recent int
		if err := rows.Scan(&sess.SessionID, &sess.Pickle, &recent); err != nil {
			return nil, storeErr("scan pairwise session", err)
		}
		sess.IsRecentRecipient = recent != 0
		out[sess.SessionID] = sess
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate pairwise sessions", err)
	}

	return out, nil
}

// InboundGroupSession is a persisted inbound group session row.
type InboundGroupSession struct {
	Pickle      string
	RoomID      string
	KeysClaimed string // JSON-encoded map[string]string
}

// StoreInboundGroup upserts an inbound group session. Callers enforce
// the immutability invariant (never overwrite an existing session id for
// a sender) before calling this. When a row already exists, only its
// pickle is replaced; room id and claimed keys keep the values they were
// first stored with.
func (s *Store) StoreInboundGroup(senderCurve25519, sessionID string, sess InboundGroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO inbound_group_sessions (sender_curve25519, session_id, room_id, keys_claimed, pickle)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sender_curve25519, session_id) DO UPDATE SET
			pickle = excluded.pickle;
	`, senderCurve25519, sessionID, sess.RoomID, sess.KeysClaimed, sess.Pickle)
	if err != nil {
		return storeErr("store inbound group session", err)
	}

	return nil
}

// GetInboundGroup returns the inbound group session for
// (senderCurve25519, sessionID), or ErrNotFound.
func (s *Store) GetInboundGroup(senderCurve25519, sessionID string) (InboundGroupSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess InboundGroupSession
	err := s.db.QueryRow(`
		SELECT pickle, room_id, keys_claimed FROM inbound_group_sessions
		WHERE sender_curve25519 = ? AND session_id = ?;
	`, senderCurve25519, sessionID).Scan(&sess.Pickle, &sess.RoomID, &sess.KeysClaimed)
	if errors.Is(err, sql.ErrNoRows) {
		return InboundGroupSession{}, ErrNotFound
	}
	if err != nil {
		return InboundGroupSession{}, storeErr("get inbound group session", err)
	}

	return sess, nil
}

// HasInboundGroup reports whether a session is already stored for
// (senderCurve25519, sessionID), without paying for decoding its pickle.
func (s *Store) HasInboundGroup(senderCurve25519, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(`
		SELECT 1 FROM inbound_group_sessions
		WHERE sender_curve25519 = ? AND session_id = ?;
	`, senderCurve25519, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("check inbound group session", err)
	}

	return true, nil
}

// RemoveInboundGroup deletes a stored inbound group session.
func (s *Store) RemoveInboundGroup(senderCurve25519, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM inbound_group_sessions WHERE sender_curve25519 = ? AND session_id = ?;
	`, senderCurve25519, sessionID)
	if err != nil {
		return storeErr("remove inbound group session", err)
	}

	return nil
}

// PutDevice upserts a device record, stored as opaque JSON.
func (s *Store) PutDevice(userID, deviceID string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO devices (user_id, device_id, record) VALUES (?, ?, ?)
		ON CONFLICT(user_id, device_id) DO UPDATE SET record = excluded.record;
	`, userID, deviceID, record)
	if err != nil {
		return storeErr("put device", err)
	}

	return nil
}

// GetDevice returns the raw device record for (userID, deviceID), or
// ErrNotFound.
func (s *Store) GetDevice(userID, deviceID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record []byte
	err := s.db.QueryRow(`
		SELECT record FROM devices WHERE user_id = ? AND device_id = ?;
	`, userID, deviceID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get device", err)
	}

	return record, nil
}

// ListDevices returns every device record known for userID, keyed by
// device id.
func (s *Store) ListDevices(userID string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT device_id, record FROM devices WHERE user_id = ?;`, userID)
	if err != nil {
		return nil, storeErr("list devices", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var deviceID string
		var record []byte
		if err := rows.Scan(&deviceID, &record); err != nil {
			return nil, storeErr("scan device", err)
		}
		out[deviceID] = record
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate devices", err)
	}

	return out, nil
}

// TrackingStatus is a user's device-list tracking state, the same
// NOT_TRACKED/PENDING_DOWNLOAD/UP_TO_DATE idea Matrix's own device-list
// tracking keeps per user: whether this user's device list needs a
// fresh query before it can be trusted for encryption.
type TrackingStatus int

const (
	// TrackingNotTracked is the state of a user this device has never
	// been asked to track; the zero value, so an absent row reads as
	// "never tracked" rather than "up to date".
	TrackingNotTracked TrackingStatus = iota
	// TrackingOutdated marks a user whose device list is known or
	// suspected stale and needs a fresh query before it's trusted.
	TrackingOutdated
	// TrackingUpToDate marks a user whose device list was queried in
	// full and has had no flagged changes since.
	TrackingUpToDate
)

// GetTrackingStatus returns the tracking status stored for userID, or
// TrackingNotTracked if no row exists yet.
func (s *Store) GetTrackingStatus(userID string) (TrackingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status int
	err := s.db.QueryRow(`SELECT data FROM tracking WHERE user_id = ?;`, userID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return TrackingNotTracked, nil
	}
	if err != nil {
		return TrackingNotTracked, storeErr("get tracking status", err)
	}

	return TrackingStatus(status), nil
}

// SetTrackingStatus upserts userID's tracking status.
func (s *Store) SetTrackingStatus(userID string, status TrackingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tracking (user_id, data) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data;
	`, userID, int(status))
	if err != nil {
		return storeErr("set tracking status", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
