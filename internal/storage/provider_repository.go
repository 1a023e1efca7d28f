package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dealwatch/internal/models"
)

// ErrProviderNotFound is returned when no provider row exists for the address.
var ErrProviderNotFound = errors.New("provider not found")

// ProviderRepository handles storage provider registry persistence
type ProviderRepository struct {
	db *PostgresDB
}

// NewProviderRepository creates a new provider repository
func NewProviderRepository(db *PostgresDB) *ProviderRepository {
	return &ProviderRepository{db: db}
}

const providerColumns = `address, name, service_url, payee_wallet, active, first_seen_at, last_seen_at, removed_at`

// Upsert inserts or refreshes a provider row keyed on address.
func (r *ProviderRepository) Upsert(ctx context.Context, provider *models.Provider) error {
	query := `
		INSERT INTO providers (address, name, service_url, payee_wallet, active, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (address) DO UPDATE
		SET name = EXCLUDED.name,
		    service_url = EXCLUDED.service_url,
		    payee_wallet = EXCLUDED.payee_wallet,
		    active = EXCLUDED.active,
		    last_seen_at = NOW(),
		    removed_at = NULL
	`

	_, err := r.db.Pool().Exec(ctx, query,
		provider.Address,
		provider.Name,
		provider.ServiceURL,
		provider.PayeeWallet,
		provider.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert provider: %w", err)
	}
	return nil
}

// GetByAddress retrieves a provider by address.
func (r *ProviderRepository) GetByAddress(ctx context.Context, address string) (*models.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE address = $1`

	row := r.db.Pool().QueryRow(ctx, query, address)
	provider, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return provider, nil
}

// ListActive returns every active provider.
func (r *ProviderRepository) ListActive(ctx context.Context) ([]*models.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE active ORDER BY address`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*models.Provider
	for rows.Next() {
		provider, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, provider)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate providers: %w", err)
	}
	return providers, nil
}

// Deactivate marks a provider inactive and records when it disappeared.
func (r *ProviderRepository) Deactivate(ctx context.Context, address string) error {
	query := `
		UPDATE providers
		SET active = FALSE, removed_at = NOW()
		WHERE address = $1 AND active
	`

	if _, err := r.db.Pool().Exec(ctx, query, address); err != nil {
		return fmt.Errorf("failed to deactivate provider: %w", err)
	}
	return nil
}

func scanProvider(row pgx.Row) (*models.Provider, error) {
	var p models.Provider
	err := row.Scan(
		&p.Address,
		&p.Name,
		&p.ServiceURL,
		&p.PayeeWallet,
		&p.Active,
		&p.FirstSeenAt,
		&p.LastSeenAt,
		&p.RemovedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
