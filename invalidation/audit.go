package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"

	events "assistantsync.app/pkg/pubsub"
)

// AuditLog is one invalidation as seen on the cache-invalidate topic.
type AuditLog struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"request_id"` // Correlation ID, unique per invalidation
	Service     string    `json:"service"`    // Publisher: cache-manager, invalidation
	Subject     string    `json:"subject,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	Keys        []string  `json:"keys,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
	ReceivedAt  time.Time `json:"received_at"`
	DeliveryLag int64     `json:"delivery_lag_ms"` // Publish to audit delay in milliseconds
}

// auditLogFromEvent builds the row recorded for event.
func auditLogFromEvent(e *events.InvalidationEvent, received time.Time) AuditLog {
	lag := received.Sub(e.TriggeredAt).Milliseconds()
	if lag < 0 {
		lag = 0 // clock skew between publishers
	}
	return AuditLog{
		RequestID:   e.RequestID,
		Service:     e.Service,
		Subject:     e.Subject,
		Pattern:     e.Pattern,
		Keys:        e.Keys,
		Reason:      e.Meta["reason"],
		TriggeredAt: e.TriggeredAt,
		ReceivedAt:  received,
		DeliveryLag: lag,
	}
}

// AuditLogger provides persistent storage of invalidation events.
//
// Design decisions:
// - PostgreSQL for audit integrity, schema managed by Encore migrations
// - Append-only log (no updates) for immutability
// - Unique request_id makes redelivered events a no-op
// - JSONB for key lists without a join table
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates a new audit logger over the service database.
func NewAuditLogger(db *sqldb.Database) *AuditLogger {
	return &AuditLogger{db: db}
}

const auditColumns = `id, request_id, service, subject, pattern, keys, reason, triggered_at, received_at, delivery_lag_ms`

// Insert adds a new audit log entry. Duplicate request ids are ignored.
//
// Complexity: O(1) with index overhead
func (al *AuditLogger) Insert(ctx context.Context, log AuditLog) (bool, error) {
	keysJSON, err := json.Marshal(log.Keys)
	if err != nil {
		return false, fmt.Errorf("failed to marshal keys: %w", err)
	}

	res, err := al.db.Exec(ctx, `
		INSERT INTO invalidation_audit
		(request_id, service, subject, pattern, keys, reason, triggered_at, received_at, delivery_lag_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING`,
		log.RequestID,
		log.Service,
		log.Subject,
		log.Pattern,
		keysJSON,
		log.Reason,
		log.TriggeredAt,
		log.ReceivedAt,
		log.DeliveryLag,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert audit log: %w", err)
	}
	return res.RowsAffected() > 0, nil
}

// GetRecent retrieves recent audit logs, newest first, optionally for one subject.
// Complexity: O(limit) with index scan
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int, subject string) ([]AuditLog, error) {
	var (
		rows *sqldb.Rows
		err  error
	)
	if subject != "" {
		rows, err = al.db.Query(ctx, `
			SELECT `+auditColumns+`
			FROM invalidation_audit
			WHERE subject = $1
			ORDER BY triggered_at DESC
			LIMIT $2 OFFSET $3`, subject, limit, offset)
	} else {
		rows, err = al.db.Query(ctx, `
			SELECT `+auditColumns+`
			FROM invalidation_audit
			ORDER BY triggered_at DESC
			LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	return scanAuditLogs(rows, limit)
}

// GetCount returns the number of audit logs, optionally for one subject.
func (al *AuditLogger) GetCount(ctx context.Context, subject string) (int, error) {
	var count int
	var err error
	if subject != "" {
		err = al.db.QueryRow(ctx, `SELECT COUNT(*) FROM invalidation_audit WHERE subject = $1`, subject).Scan(&count)
	} else {
		err = al.db.QueryRow(ctx, `SELECT COUNT(*) FROM invalidation_audit`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return count, nil
}

// GetByRequestID retrieves the audit log of one invalidation.
func (al *AuditLogger) GetByRequestID(ctx context.Context, requestID string) (*AuditLog, error) {
	rows, err := al.db.Query(ctx, `
		SELECT `+auditColumns+`
		FROM invalidation_audit
		WHERE request_id = $1`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log by request ID: %w", err)
	}
	logs, err := scanAuditLogs(rows, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, ErrAuditNotFound
	}
	return &logs[0], nil
}

// ErrAuditNotFound is returned when no audit row has the requested id.
var ErrAuditNotFound = errors.New("audit log not found")

func scanAuditLogs(rows *sqldb.Rows, capacity int) ([]AuditLog, error) {
	defer rows.Close()

	logs := make([]AuditLog, 0, capacity)
	for rows.Next() {
		var log AuditLog
		var keysJSON []byte

		err := rows.Scan(
			&log.ID,
			&log.RequestID,
			&log.Service,
			&log.Subject,
			&log.Pattern,
			&keysJSON,
			&log.Reason,
			&log.TriggeredAt,
			&log.ReceivedAt,
			&log.DeliveryLag,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if len(keysJSON) > 0 {
			if err := json.Unmarshal(keysJSON, &log.Keys); err != nil {
				log.Keys = nil
			}
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return logs, nil
}

// AuditStats aggregates invalidations since a point in time.
type AuditStats struct {
	TotalInvalidations int64            `json:"total_invalidations"`
	ByService          map[string]int64 `json:"by_service"`
	AvgDeliveryLagMs   float64          `json:"avg_delivery_lag_ms"`
	MostInvalidated    string           `json:"most_invalidated_subject,omitempty"`
}

// GetStats returns aggregated statistics about invalidations since the given time.
func (al *AuditLogger) GetStats(ctx context.Context, since time.Time) (*AuditStats, error) {
	stats := &AuditStats{ByService: make(map[string]int64)}

	err := al.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(AVG(delivery_lag_ms), 0)
		FROM invalidation_audit
		WHERE triggered_at >= $1`, since,
	).Scan(&stats.TotalInvalidations, &stats.AvgDeliveryLagMs)
	if err != nil {
		return nil, fmt.Errorf("failed to get total stats: %w", err)
	}

	rows, err := al.db.Query(ctx, `
		SELECT service, COUNT(*)
		FROM invalidation_audit
		WHERE triggered_at >= $1
		GROUP BY service`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get service breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var service string
		var count int64
		if err := rows.Scan(&service, &count); err != nil {
			return nil, fmt.Errorf("failed to scan service breakdown: %w", err)
		}
		stats.ByService[service] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating service breakdown: %w", err)
	}

	err = al.db.QueryRow(ctx, `
		SELECT subject
		FROM invalidation_audit
		WHERE triggered_at >= $1 AND subject <> ''
		GROUP BY subject
		ORDER BY COUNT(*) DESC
		LIMIT 1`, since,
	).Scan(&stats.MostInvalidated)
	if err != nil && !errors.Is(err, sqldb.ErrNoRows) {
		return nil, fmt.Errorf("failed to get most invalidated subject: %w", err)
	}

	return stats, nil
}

// Cleanup removes audit logs older than the specified duration.
func (al *AuditLogger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	result, err := al.db.Exec(ctx, `DELETE FROM invalidation_audit WHERE triggered_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}
	return result.RowsAffected(), nil
}
