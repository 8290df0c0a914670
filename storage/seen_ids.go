package storage

import (
	"fmt"
	"time"
)

// ListSeenIDs returns every tombstoned transaction id. DeleteRecord writes
// the tombstones; the queue keeps them in memory to answer Duplicate.
func (s *Store) ListSeenIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT transaction_id FROM seen_transaction_ids ORDER BY recorded_at`)
	if err != nil {
		return nil, fmt.Errorf("list seen transaction IDs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen transaction ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seen transaction IDs: %w", err)
	}
	return ids, nil
}

// SetTombstoneRetention sets how long purged ids are remembered. Zero keeps
// them forever. Origin watermarks still reject a re-sent id after it expires.
func (s *Store) SetTombstoneRetention(retention time.Duration) {
	s.mu.Lock()
	s.tombstoneRetention = retention
	s.mu.Unlock()
}

// PruneTombstones deletes tombstones recorded before cutoff.
func (s *Store) PruneTombstones(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM seen_transaction_ids WHERE recorded_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune seen transaction IDs: %w", err)
	}
	return res.RowsAffected()
}
