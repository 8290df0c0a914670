package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// InsertRecord writes a new queue record and, when non-nil, advances the origin watermark
// in the same transaction.
func (s *Store) InsertRecord(record QueueRecord, watermark *Watermark) error {
	if record.RecordID == "" {
		return errors.New("record_id is required")
	}
	if record.OriginDeviceID == "" {
		return errors.New("origin_device_id is required")
	}
	if len(record.Ciphertext) == 0 {
		return errors.New("ciphertext is required")
	}
	if err := validateRecordStatus(record.Status); err != nil {
		return err
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = nowUnixMilli()
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = record.CreatedAt
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert record %q: %w", record.RecordID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO queue_records (
			record_id,
			origin_device_id,
			sequence,
			status,
			created_at,
			updated_at,
			ciphertext
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.RecordID,
		record.OriginDeviceID,
		int64(record.Sequence),
		record.Status,
		record.CreatedAt,
		record.UpdatedAt,
		record.Ciphertext,
	); err != nil {
		return fmt.Errorf("insert record %q: %w", record.RecordID, err)
	}

	if watermark != nil {
		if _, err := tx.Exec(
			`INSERT INTO origin_watermarks (origin_device_id, sequence)
			VALUES (?, ?)
			ON CONFLICT(origin_device_id) DO UPDATE SET sequence = MAX(sequence, excluded.sequence)`,
			watermark.OriginDeviceID,
			int64(watermark.Sequence),
		); err != nil {
			return fmt.Errorf("advance watermark for %q: %w", watermark.OriginDeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert record %q: %w", record.RecordID, err)
	}
	return nil
}

// UpdateRecord replaces status and ciphertext of an existing record.
func (s *Store) UpdateRecord(recordID, status string, updatedAt int64, ciphertext []byte) error {
	if recordID == "" {
		return errors.New("record_id is required")
	}
	if err := validateRecordStatus(status); err != nil {
		return err
	}
	if len(ciphertext) == 0 {
		return errors.New("ciphertext is required")
	}
	if updatedAt == 0 {
		updatedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE queue_records
		SET status = ?, updated_at = ?, ciphertext = ?
		WHERE record_id = ?`,
		status,
		updatedAt,
		ciphertext,
		recordID,
	)
	if err != nil {
		return fmt.Errorf("update record %q: %w", recordID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update record %q: %w", recordID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRecord removes a record and leaves its ID behind as a seen tombstone.
func (s *Store) DeleteRecord(recordID string) error {
	if recordID == "" {
		return errors.New("record_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete record %q: %w", recordID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`DELETE FROM queue_records WHERE record_id = ?`, recordID)
	if err != nil {
		return fmt.Errorf("delete record %q: %w", recordID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete record %q: %w", recordID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(
		`INSERT INTO seen_transaction_ids (transaction_id, recorded_at)
		VALUES (?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET recorded_at = excluded.recorded_at`,
		recordID,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("tombstone record %q: %w", recordID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete record %q: %w", recordID, err)
	}
	return nil
}

// GetRecord fetches one record by ID.
func (s *Store) GetRecord(recordID string) (*QueueRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			record_id,
			origin_device_id,
			sequence,
			status,
			created_at,
			updated_at,
			ciphertext
		FROM queue_records
		WHERE record_id = ?`,
		recordID,
	)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %q: %w", recordID, err)
	}
	return record, nil
}

// ListRecords returns every record in creation order.
func (s *Store) ListRecords() ([]QueueRecord, error) {
	rows, err := s.db.Query(
		`SELECT
			record_id,
			origin_device_id,
			sequence,
			status,
			created_at,
			updated_at,
			ciphertext
		FROM queue_records
		ORDER BY created_at ASC, origin_device_id ASC, sequence ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := make([]QueueRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}

	return records, nil
}

// ListWatermarks returns the highest applied sequence per origin device.
func (s *Store) ListWatermarks() ([]Watermark, error) {
	rows, err := s.db.Query(
		`SELECT origin_device_id, sequence
		FROM origin_watermarks
		ORDER BY origin_device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	defer rows.Close()

	out := make([]Watermark, 0)
	for rows.Next() {
		var (
			w   Watermark
			seq int64
		)
		if err := rows.Scan(&w.OriginDeviceID, &seq); err != nil {
			return nil, fmt.Errorf("scan watermark row: %w", err)
		}
		w.Sequence = uint64(seq)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watermark rows: %w", err)
	}
	return out, nil
}

func scanRecord(row scanner) (*QueueRecord, error) {
	var (
		record QueueRecord
		seq    int64
	)
	if err := row.Scan(
		&record.RecordID,
		&record.OriginDeviceID,
		&seq,
		&record.Status,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.Ciphertext,
	); err != nil {
		return nil, err
	}
	record.Sequence = uint64(seq)
	return &record, nil
}
