package main

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"

	_ "modernc.org/sqlite"
)

// Identity is the part of a participant chosen by the human behind it.
type Identity struct {
	Mood      string `json:"mood"`
	AccountID string `json:"accountId"`
}

// Participant is one persistent visitor's plant. ID doubles as the account
// id and is the primary key; ConnID is the current connection, empty while
// the participant is disconnected. Growth is always derived from ActiveTime
// via stageFor and never trusted from any other source.
type Participant struct {
	ID         string   `json:"id"`
	ConnID     string   `json:"connId,omitempty"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Growth     string   `json:"growth"`
	ActiveTime int64    `json:"activeTime"`
	LastSeen   int64    `json:"lastSeen"`
	Identity   Identity `json:"identity"`
}

var errParticipantNotFound = errors.New("participant not found")

// Store is the durable keyed record of participants. Implementations must
// be safe for concurrent use; every call is fallible and no atomicity is
// assumed across calls.
type Store interface {
	FindByAccountID(ctx context.Context, accountID string) (Participant, error)
	Upsert(ctx context.Context, p Participant) (Participant, error)
	FindAll(ctx context.Context) ([]Participant, error)
	AccountIDAvailable(ctx context.Context, accountID string) (bool, error)
	Close() error
}

// newStore picks the sqlite store when a path is configured, otherwise
// keeps everything in memory.
func newStore(cfg *Config) (Store, error) {
	if cfg.dbPath != "" {
		return newSqliteStore(cfg.dbPath)
	}
	return newMemoryStore(), nil
}

// ---- in-memory store ----

type memoryStore struct {
	mu           sync.RWMutex
	participants map[string]Participant
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		participants: make(map[string]Participant),
	}
}

func (s *memoryStore) FindByAccountID(_ context.Context, accountID string) (Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[accountID]
	if !ok {
		return Participant{}, errParticipantNotFound
	}
	p.Growth = stageFor(p.ActiveTime).Emoji
	return p, nil
}

func (s *memoryStore) Upsert(_ context.Context, p Participant) (Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Growth = stageFor(p.ActiveTime).Emoji
	s.participants[p.ID] = p
	return p, nil
}

func (s *memoryStore) FindAll(_ context.Context) ([]Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		p.Growth = stageFor(p.ActiveTime).Emoji
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

func (s *memoryStore) AccountIDAvailable(_ context.Context, accountID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, taken := s.participants[accountID]
	return !taken, nil
}

func (s *memoryStore) Close() error {
	return nil
}

// ---- sqlite store ----

const participantSchema = `
CREATE TABLE IF NOT EXISTS participants (
	account_id TEXT PRIMARY KEY,
	x REAL NOT NULL DEFAULT 0,
	y REAL NOT NULL DEFAULT 0,
	active_time INTEGER NOT NULL DEFAULT 0,
	last_seen INTEGER NOT NULL DEFAULT 0,
	mood TEXT NOT NULL DEFAULT ''
);`

type sqliteStore struct {
	db *sql.DB
}

func newSqliteStore(path string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, participantSchema); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) FindByAccountID(ctx context.Context, accountID string) (Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT account_id, x, y, active_time, last_seen, mood FROM participants WHERE account_id = ?`,
		accountID)

	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, errParticipantNotFound
	}
	return p, err
}

func (s *sqliteStore) Upsert(ctx context.Context, p Participant) (Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.Growth = stageFor(p.ActiveTime).Emoji

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (account_id, x, y, active_time, last_seen, mood)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		 x = excluded.x, y = excluded.y, active_time = excluded.active_time,
		 last_seen = excluded.last_seen, mood = excluded.mood`,
		p.ID, p.X, p.Y, p.ActiveTime, p.LastSeen, p.Identity.Mood)
	if err != nil {
		return Participant{}, err
	}

	return p, nil
}

func (s *sqliteStore) FindAll(ctx context.Context) ([]Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, x, y, active_time, last_seen, mood FROM participants ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, p)
	}
	return all, rows.Err()
}

func (s *sqliteStore) AccountIDAvailable(ctx context.Context, accountID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants WHERE account_id = ?`, accountID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (Participant, error) {
	var p Participant
	err := row.Scan(&p.ID, &p.X, &p.Y, &p.ActiveTime, &p.LastSeen, &p.Identity.Mood)
	if err != nil {
		return Participant{}, err
	}
	p.Identity.AccountID = p.ID
	p.Growth = stageFor(p.ActiveTime).Emoji
	return p, nil
}
