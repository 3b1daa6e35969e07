package store

import (
	"context"
	"fmt"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
)

func (s *SQLStore) UpsertSuppliers(ctx context.Context, sups []*contracts.KnownSupplier) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := s.q(`INSERT INTO suppliers (
		supplier_id, name, normalized_name, category, mcc, industry,
		payment_type, city, state, confidence, name_length,
		has_business_indicator, common_name_score
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (supplier_id) DO UPDATE SET
		name = excluded.name, normalized_name = excluded.normalized_name,
		category = excluded.category, mcc = excluded.mcc,
		industry = excluded.industry, payment_type = excluded.payment_type,
		city = excluded.city, state = excluded.state,
		confidence = excluded.confidence, name_length = excluded.name_length,
		has_business_indicator = excluded.has_business_indicator,
		common_name_score = excluded.common_name_score`)

	for _, sup := range sups {
		indicator := 0
		if sup.HasBusinessIndicator {
			indicator = 1
		}
		_, err := tx.ExecContext(ctx, query,
			sup.SupplierID, sup.Name, sup.NormalizedName, sup.Category, sup.MCC,
			sup.Industry, sup.PaymentType, sup.City, sup.State, sup.Confidence,
			sup.NameLength, indicator, sup.CommonNameScore)
		if err != nil {
			return fmt.Errorf("upsert supplier %s: %w", sup.SupplierID, err)
		}
	}
	return tx.Commit()
}

// SearchSuppliers returns candidates whose normalized name equals, prefixes,
// or contains the query (and the reverse containment, for business-name
// variants). Scoring happens in the supplier matcher, not here.
func (s *SQLStore) SearchSuppliers(ctx context.Context, normalizedName string, limit int) ([]*contracts.KnownSupplier, error) {
	if normalizedName == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	query := s.q(`SELECT supplier_id, name, normalized_name, category, mcc, industry,
		payment_type, city, state, confidence, name_length,
		has_business_indicator, common_name_score
		FROM suppliers
		WHERE normalized_name = ?
		   OR normalized_name LIKE ?
		   OR normalized_name LIKE ?
		   OR ? LIKE '%' || normalized_name || '%'
		ORDER BY name_length, supplier_id
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query,
		normalizedName,
		normalizedName+"%",
		"%"+normalizedName+"%",
		normalizedName,
		limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sups []*contracts.KnownSupplier
	for rows.Next() {
		var sup contracts.KnownSupplier
		var indicator int
		err := rows.Scan(&sup.SupplierID, &sup.Name, &sup.NormalizedName,
			&sup.Category, &sup.MCC, &sup.Industry, &sup.PaymentType,
			&sup.City, &sup.State, &sup.Confidence, &sup.NameLength,
			&indicator, &sup.CommonNameScore)
		if err != nil {
			return nil, err
		}
		sup.HasBusinessIndicator = indicator != 0
		sups = append(sups, &sup)
	}
	return sups, rows.Err()
}
