package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-rxsafety/internal/domain/catalog"
)

//go:embed schema.sql
var schema string

// NewPool opens a pool and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the service tables when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

var catalogColumns = []string{
	"drug_name", "medical_condition", "side_effects", "drug_classes",
	"min_age_limit", "max_age_limit", "sex", "dosage", "frequency",
	"pregnancy_category", "alcohol",
}

func catalogRow(r catalog.DrugRecord) []any {
	return []any{
		r.DrugName, r.MedicalCondition, r.SideEffects, r.DrugClasses,
		r.MinAgeLimit, r.MaxAgeLimit, r.Sex, r.Dosage, r.Frequency,
		r.PregnancyCategory, r.Alcohol,
	}
}

// LoadCatalog reads the whole drug_catalog table into memory.
func LoadCatalog(ctx context.Context, pool *pgxpool.Pool) (*catalog.Memory, error) {
	rows, err := pool.Query(ctx, `
		SELECT drug_name, medical_condition, side_effects, drug_classes,
		       min_age_limit, max_age_limit, sex, dosage, frequency,
		       pregnancy_category, alcohol
		FROM drug_catalog
		ORDER BY drug_name`)
	if err != nil {
		return nil, fmt.Errorf("query drug catalog: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.DrugRecord, error) {
		var r catalog.DrugRecord
		err := row.Scan(&r.DrugName, &r.MedicalCondition, &r.SideEffects, &r.DrugClasses,
			&r.MinAgeLimit, &r.MaxAgeLimit, &r.Sex, &r.Dosage, &r.Frequency,
			&r.PregnancyCategory, &r.Alcohol)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan drug catalog: %w", err)
	}
	return catalog.New(records), nil
}

// ImportCatalog replaces the drug_catalog table with records in one
// transaction. Duplicate names keep the first row.
func ImportCatalog(ctx context.Context, pool *pgxpool.Pool, records []catalog.DrugRecord) (int64, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `TRUNCATE drug_catalog`); err != nil {
		return 0, fmt.Errorf("truncate drug catalog: %w", err)
	}

	rows := dedupe(records)
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"drug_catalog"}, catalogColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return catalogRow(rows[i]), nil
		}))
	if err != nil {
		return 0, fmt.Errorf("copy drug catalog: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func dedupe(records []catalog.DrugRecord) []catalog.DrugRecord {
	seen := make(map[string]bool, len(records))
	out := make([]catalog.DrugRecord, 0, len(records))
	for _, r := range records {
		if r.DrugName == "" || seen[r.DrugName] {
			continue
		}
		seen[r.DrugName] = true
		out = append(out, r)
	}
	return out
}
