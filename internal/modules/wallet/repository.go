package wallet

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles wallet database operations against treasury.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new wallet repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "wallet").Logger(),
	}
}

// GetAll returns all wallets, active and inactive.
func (r *Repository) GetAll() ([]Wallet, error) {
	rows, err := r.db.Query(`
		SELECT id, address, label, active, created_at, updated_at
		FROM wallets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	return r.scanWallets(rows)
}

// GetActive returns wallets participating in sync runs.
func (r *Repository) GetActive() ([]Wallet, error) {
	rows, err := r.db.Query(`
		SELECT id, address, label, active, created_at, updated_at
		FROM wallets WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active wallets: %w", err)
	}
	defer rows.Close()

	return r.scanWallets(rows)
}

// GetByAddress returns a wallet by address, or nil if not found.
func (r *Repository) GetByAddress(address string) (*Wallet, error) {
	var w Wallet
	var label sql.NullString
	err := r.db.QueryRow(`
		SELECT id, address, label, active, created_at, updated_at
		FROM wallets WHERE address = ?`, strings.TrimSpace(address)).
		Scan(&w.ID, &w.Address, &label, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet %s: %w", address, err)
	}
	if label.Valid {
		w.Label = label.String
	}
	return &w, nil
}

// Create inserts a new wallet. The address must already be validated.
func (r *Repository) Create(address, label string) (*Wallet, error) {
	now := time.Now().Unix()
	result, err := r.db.Exec(`
		INSERT INTO wallets (address, label, active, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)`,
		strings.TrimSpace(address), label, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet %s: %w", address, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet id: %w", err)
	}

	return &Wallet{
		ID:        id,
		Address:   strings.TrimSpace(address),
		Label:     label,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// SetActive toggles a wallet's participation in sync runs. Deactivated
// wallets keep all their historical rows.
func (r *Repository) SetActive(address string, active bool) error {
	activeVal := 0
	if active {
		activeVal = 1
	}
	result, err := r.db.Exec(`
		UPDATE wallets SET active = ?, updated_at = ? WHERE address = ?`,
		activeVal, time.Now().Unix(), strings.TrimSpace(address))
	if err != nil {
		return fmt.Errorf("failed to update wallet %s: %w", address, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("wallet %s not found", address)
	}
	return nil
}

// SetLabel updates a wallet's display label.
func (r *Repository) SetLabel(address, label string) error {
	_, err := r.db.Exec(`
		UPDATE wallets SET label = ?, updated_at = ? WHERE address = ?`,
		label, time.Now().Unix(), strings.TrimSpace(address))
	if err != nil {
		return fmt.Errorf("failed to update wallet label %s: %w", address, err)
	}
	return nil
}

func (r *Repository) scanWallets(rows *sql.Rows) ([]Wallet, error) {
	var wallets []Wallet
	for rows.Next() {
		var w Wallet
		var label sql.NullString
		if err := rows.Scan(&w.ID, &w.Address, &label, &w.Active, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		if label.Valid {
			w.Label = label.String
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating wallets: %w", err)
	}
	return wallets, nil
}
