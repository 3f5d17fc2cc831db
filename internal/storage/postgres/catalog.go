package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/revenue-ledger/internal/domain/catalog"
)

const (
	getPurchasableByIDSQL = `SELECT id, product_id, sku, description, base_price
		FROM purchasables WHERE id = $1`

	getPurchasablesByIDsSQL = `SELECT id, product_id, sku, description, base_price
		FROM purchasables WHERE id = ANY($1)`

	upsertPurchasableSQL = `INSERT INTO purchasables (id, product_id, sku, description, base_price)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			sku = EXCLUDED.sku,
			description = EXCLUDED.description,
			base_price = EXCLUDED.base_price`
)

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Repository backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// GetByID returns a single purchasable by its identifier.
func (r *CatalogRepository) GetByID(ctx context.Context, id int64) (*catalog.Purchasable, error) {
	rows, err := r.pool.Query(ctx, getPurchasableByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting purchasable %d: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanPurchasable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("getting purchasable %d: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns purchasables matching any of the given IDs.
func (r *CatalogRepository) GetByIDs(ctx context.Context, ids []int64) ([]catalog.Purchasable, error) {
	rows, err := r.pool.Query(ctx, getPurchasablesByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting purchasables by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanPurchasable)
}

// Upsert inserts or replaces purchasables in one batch.
func (r *CatalogRepository) Upsert(ctx context.Context, items []catalog.Purchasable) error {
	batch := &pgx.Batch{}
	for _, p := range items {
		batch.Queue(upsertPurchasableSQL, p.ID, p.ProductID, p.SKU, p.Description, p.BasePrice)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting purchasables: %w", err)
	}
	return nil
}

func scanPurchasable(row pgx.CollectableRow) (catalog.Purchasable, error) {
	var p catalog.Purchasable
	err := row.Scan(&p.ID, &p.ProductID, &p.SKU, &p.Description, &p.BasePrice)
	return p, err
}
