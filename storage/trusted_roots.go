package storage

import (
	"errors"
	"fmt"
)

// AddTrustedRoot stores a root hash obtained from the ledger or an operator.
func (s *Store) AddTrustedRoot(root TrustedRoot) error {
	if root.RootHash == "" {
		return errors.New("root_hash is required")
	}
	if root.Source == "" {
		root.Source = "ledger"
	}
	if root.AddedAt == 0 {
		root.AddedAt = nowUnixMilli()
	}

	if _, err := s.db.Exec(
		`INSERT INTO trusted_roots (root_hash, source, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT(root_hash) DO NOTHING`,
		root.RootHash,
		root.Source,
		root.AddedAt,
	); err != nil {
		return fmt.Errorf("add trusted root %q: %w", root.RootHash, err)
	}
	return nil
}

// ListTrustedRoots returns all trusted roots, newest first.
func (s *Store) ListTrustedRoots() ([]TrustedRoot, error) {
	rows, err := s.db.Query(
		`SELECT root_hash, source, added_at
		FROM trusted_roots
		ORDER BY added_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusted roots: %w", err)
	}
	defer rows.Close()

	out := make([]TrustedRoot, 0)
	for rows.Next() {
		var root TrustedRoot
		if err := rows.Scan(&root.RootHash, &root.Source, &root.AddedAt); err != nil {
			return nil, fmt.Errorf("scan trusted root row: %w", err)
		}
		out = append(out, root)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted root rows: %w", err)
	}
	return out, nil
}
