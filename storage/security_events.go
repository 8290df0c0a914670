package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	securityPruneEvery     = time.Hour
	defaultSecurityLimit   = 100
	maxSecurityEventsLimit = 1000
)

// SetSecurityEventRetention sets how long security events are kept.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.mu.Lock()
	s.securityEventRetention = retention
	s.lastSecurityPrune = time.Time{}
	s.mu.Unlock()
}

// RecordSecurityEvent appends event. Expired events are pruned at most once
// per hour as a side effect.
func (s *Store) RecordSecurityEvent(event SecurityEvent) error {
	kind := strings.TrimSpace(event.Kind)
	if kind == "" {
		return errors.New("security event kind is required")
	}
	if _, err := event.Severity.MarshalText(); err != nil {
		return err
	}
	details := event.Details
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	if !json.Valid(details) {
		return fmt.Errorf("security event %q: details are not valid JSON", kind)
	}
	recordedAt := event.RecordedAt
	if recordedAt == 0 {
		recordedAt = nowUnixMilli()
	}

	if _, err := s.db.Exec(
		`INSERT INTO security_events (kind, origin_device_id, transaction_id, severity, details, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		kind,
		strings.TrimSpace(event.OriginDeviceID),
		strings.TrimSpace(event.TransactionID),
		int(event.Severity),
		string(details),
		recordedAt,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", kind, err)
	}

	cutoff, due := s.securityPruneDue()
	if !due {
		return nil
	}
	if _, err := s.PruneSecurityEvents(cutoff); err != nil {
		return fmt.Errorf("prune security events: %w", err)
	}
	return nil
}

func (s *Store) securityPruneDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if !s.lastSecurityPrune.IsZero() && now.Sub(s.lastSecurityPrune) < securityPruneEvery {
		return time.Time{}, false
	}
	s.lastSecurityPrune = now
	return now.Add(-s.securityEventRetention), true
}

// SecurityEvents returns events matching q, newest first.
func (s *Store) SecurityEvents(q SecurityEventQuery) ([]SecurityEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSecurityLimit
	}
	limit = min(limit, maxSecurityEventsLimit)

	clauses := []string{"severity >= ?"}
	args := []any{int(q.MinSeverity)}
	if q.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.OriginDeviceID != "" {
		clauses = append(clauses, "origin_device_id = ?")
		args = append(args, q.OriginDeviceID)
	}
	if q.TransactionID != "" {
		clauses = append(clauses, "transaction_id = ?")
		args = append(args, q.TransactionID)
	}
	if q.Since > 0 {
		clauses = append(clauses, "recorded_at >= ?")
		args = append(args, q.Since)
	}
	args = append(args, limit)

	rows, err := s.db.Query(
		`SELECT id, kind, origin_device_id, transaction_id, severity, details, recorded_at
		FROM security_events
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var (
			event    SecurityEvent
			severity int
			details  string
		)
		if err := rows.Scan(
			&event.ID,
			&event.Kind,
			&event.OriginDeviceID,
			&event.TransactionID,
			&severity,
			&details,
			&event.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		event.Severity = Severity(severity)
		event.Details = json.RawMessage(details)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return events, nil
}

// PruneSecurityEvents deletes events recorded before cutoff.
func (s *Store) PruneSecurityEvents(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("security event cutoff is required")
	}
	res, err := s.db.Exec(`DELETE FROM security_events WHERE recorded_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}
