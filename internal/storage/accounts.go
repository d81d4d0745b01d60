package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const accountColumns = `id, provider, email, label, credential_hash,
	added_at, last_seen_at, is_active, metadata`

// UpsertAccount registers an account by its (provider, email) natural key
// and returns the account id. An existing account keeps its id: incoming
// label, credential hash, and metadata overwrite only when present,
// last_seen_at always refreshes, and the account is reactivated.
func (s *Store) UpsertAccount(acc Account) (string, error) {
	if acc.Provider == "" || acc.Email == "" {
		return "", fmt.Errorf("account provider and email are required")
	}

	existing, err := s.FindAccount(acc.Provider, acc.Email)
	if err != nil {
		return "", err
	}

	now := fmtTime(time.Now())

	if existing != nil {
		_, err := s.db.Exec(`
			UPDATE accounts SET
				label = COALESCE(?, label),
				credential_hash = COALESCE(?, credential_hash),
				metadata = COALESCE(?, metadata),
				last_seen_at = ?,
				is_active = 1
			WHERE id = ?`,
			acc.Label, acc.CredentialHash, acc.Metadata, now, existing.ID,
		)
		if err != nil {
			return "", fmt.Errorf("updating account: %w", err)
		}
		return existing.ID, nil
	}

	id := acc.ID
	if id == "" {
		id = uuid.NewString()
	}
	addedAt := acc.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO accounts (id, provider, email, label, credential_hash,
			added_at, last_seen_at, is_active, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		id, acc.Provider, acc.Email, acc.Label, acc.CredentialHash,
		fmtTime(addedAt), now, acc.Metadata,
	)
	if err != nil {
		return "", fmt.Errorf("inserting account: %w", err)
	}
	return id, nil
}

// GetAccount fetches an account by id. Returns ErrNotFound when absent.
func (s *Store) GetAccount(id string) (Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("getting account: %w", err)
	}
	return acc, nil
}

// FindAccount looks up an account by its natural key. Returns nil when no
// such account exists.
func (s *Store) FindAccount(provider, email string) (*Account, error) {
	row := s.db.QueryRow(
		`SELECT `+accountColumns+` FROM accounts WHERE provider = ? AND email = ?`,
		provider, email,
	)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding account: %w", err)
	}
	return &acc, nil
}

// ListAccounts returns active accounts ordered by email, optionally
// filtered to one provider (empty string means all, ordered by provider
// then email).
func (s *Store) ListAccounts(provider string) ([]Account, error) {
	return s.listAccounts(provider, true)
}

// ListAllAccounts includes deactivated accounts; audit views must use this
// explicitly.
func (s *Store) ListAllAccounts(provider string) ([]Account, error) {
	return s.listAccounts(provider, false)
}

func (s *Store) listAccounts(provider string, activeOnly bool) ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	var clauses []string
	var args []any
	if provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, provider)
	}
	if activeOnly {
		clauses = append(clauses, "is_active = 1")
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	if provider != "" {
		query += " ORDER BY email"
	} else {
		query += " ORDER BY provider, email"
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// LastSeenAccount returns the provider's most recently seen active account,
// or nil when the provider has none.
func (s *Store) LastSeenAccount(provider string) (*Account, error) {
	row := s.db.QueryRow(`
		SELECT `+accountColumns+` FROM accounts
		WHERE provider = ? AND is_active = 1 AND last_seen_at IS NOT NULL
		ORDER BY last_seen_at DESC LIMIT 1`,
		provider,
	)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding last seen account: %w", err)
	}
	return &acc, nil
}

// DeactivateAccount flips is_active off. History referencing the account
// stays intact.
func (s *Store) DeactivateAccount(id string) error {
	return s.setAccountActive(id, false)
}

// ReactivateAccount flips is_active back on.
func (s *Store) ReactivateAccount(id string) error {
	return s.setAccountActive(id, true)
}

func (s *Store) setAccountActive(id string, active bool) error {
	res, err := s.db.Exec("UPDATE accounts SET is_active = ? WHERE id = ?", active, id)
	if err != nil {
		return fmt.Errorf("updating account active flag: %w", err)
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

// TouchAccount refreshes last_seen_at.
func (s *Store) TouchAccount(id string) error {
	res, err := s.db.Exec(
		"UPDATE accounts SET last_seen_at = ? WHERE id = ?", fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("touching account: %w", err)
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

// SetAccountLabel replaces an account's label. An empty label clears it.
func (s *Store) SetAccountLabel(id, label string) error {
	var value *string
	if label != "" {
		value = &label
	}
	res, err := s.db.Exec("UPDATE accounts SET label = ? WHERE id = ?", value, id)
	if err != nil {
		return fmt.Errorf("setting account label: %w", err)
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

// UpdateCredentialHash stores a new credential hash and refreshes
// last_seen_at.
func (s *Store) UpdateCredentialHash(id, hash string) error {
	res, err := s.db.Exec(
		"UPDATE accounts SET credential_hash = ?, last_seen_at = ? WHERE id = ?",
		hash, fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating credential hash: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var acc Account
	var addedAt string
	var lastSeen *string
	if err := row.Scan(
		&acc.ID, &acc.Provider, &acc.Email, &acc.Label, &acc.CredentialHash,
		&addedAt, &lastSeen, &acc.IsActive, &acc.Metadata,
	); err != nil {
		return Account{}, err
	}

	t, err := parseTime(addedAt)
	if err != nil {
		return Account{}, err
	}
	acc.AddedAt = t
	acc.LastSeenAt = parseTimePtr(lastSeen)
	return acc, nil
}
