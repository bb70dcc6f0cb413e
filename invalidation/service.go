// Package invalidation is the entry point for invalidations that originate
// outside an assistant screen: account re-imports, admin clears and upstream
// webhooks. It broadcasts them to every cache-manager instance and keeps an
// audit trail of every invalidation on the topic, whoever published it.
//
// Design Philosophy:
// - Pub/Sub broadcast ensures every instance drops its lines and backoff state
// - Audit rows come from the topic subscription, so cache-manager invalidations are recorded too
// - Patterns are validated here, before they reach every instance
//
// Performance Characteristics:
// - Publish: O(1) + network latency
// - Audit insert: O(1) database write, idempotent on request id
//
// Consistency Model:
// - At-least-once delivery; invalidation and audit are both idempotent
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/pubsub"
	"encore.dev/rlog"
	"encore.dev/storage/sqldb"
	"github.com/google/uuid"

	cachemanager "assistantsync.app/cache-manager"
	"assistantsync.app/pkg/models"
	events "assistantsync.app/pkg/pubsub"
	"assistantsync.app/pkg/utils"
)

//encore:service
type Service struct {
	auditLogger AuditLoggerInterface
	publish     func(ctx context.Context, e *events.InvalidationEvent) error
	metrics     *Metrics
	now         func() time.Time
}

// AuditLoggerInterface defines the interface for audit logging operations.
type AuditLoggerInterface interface {
	Insert(ctx context.Context, log AuditLog) (bool, error)
	GetRecent(ctx context.Context, limit, offset int, subject string) ([]AuditLog, error)
	GetCount(ctx context.Context, subject string) (int, error)
	GetByRequestID(ctx context.Context, requestID string) (*AuditLog, error)
	GetStats(ctx context.Context, since time.Time) (*AuditStats, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Metrics tracks invalidation counters.
type Metrics struct {
	TotalInvalidations   atomic.Int64
	KeyInvalidations     atomic.Int64
	SubjectInvalidations atomic.Int64
	PatternInvalidations atomic.Int64
	AuditWrites          atomic.Int64
	AuditDuplicates      atomic.Int64
	PubSubPublishes      atomic.Int64
	Errors               atomic.Int64
}

// Database for audit logging
var db = sqldb.NewDatabase("invalidation_audit", sqldb.DatabaseConfig{
	Migrations: "./migrations",
})

// Initialize service with dependencies
func initService() (*Service, error) {
	return newService(NewAuditLogger(db), publishToTopic), nil
}

func newService(audit AuditLoggerInterface, publish func(context.Context, *events.InvalidationEvent) error) *Service {
	return &Service{
		auditLogger: audit,
		publish:     publish,
		metrics:     &Metrics{},
		now:         time.Now,
	}
}

func publishToTopic(ctx context.Context, e *events.InvalidationEvent) error {
	_, err := cachemanager.InvalidateTopic.Publish(ctx, e)
	return err
}

// Global service instance
var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize invalidation service: %v", err))
	}
}

// Record every invalidation on the topic, including those published by cache-manager.
var _ = pubsub.NewSubscription(
	cachemanager.InvalidateTopic,
	"invalidation-audit",
	pubsub.SubscriptionConfig[*events.InvalidationEvent]{
		Handler: HandleAuditEvent,
	},
)

// HandleAuditEvent writes one audit row per invalidation.
func HandleAuditEvent(ctx context.Context, event *events.InvalidationEvent) error {
	if svc == nil {
		return nil
	}
	return svc.recordAudit(ctx, event)
}

func (s *Service) recordAudit(ctx context.Context, event *events.InvalidationEvent) error {
	if err := event.Validate(); err != nil {
		rlog.Warn("skipping audit of invalid event", "request_id", event.RequestID, "err", err)
		return nil
	}
	inserted, err := s.auditLogger.Insert(ctx, auditLogFromEvent(event, s.now()))
	if err != nil {
		s.metrics.Errors.Add(1)
		return err
	}
	if inserted {
		s.metrics.AuditWrites.Add(1)
	} else {
		s.metrics.AuditDuplicates.Add(1)
	}
	return nil
}

// Request and response types

type InvalidateSubjectRequest struct {
	Subject     string `json:"subject"`
	Reason      string `json:"reason"`       // e.g. "reimport", "account_unlinked"
	TriggeredBy string `json:"triggered_by"` // Source identifier
	RequestID   string `json:"request_id"`   // Optional correlation ID
}

type InvalidateKeysRequest struct {
	Keys        []string `json:"keys"` // "subject|resource|window"
	Reason      string   `json:"reason"`
	TriggeredBy string   `json:"triggered_by"`
	RequestID   string   `json:"request_id"`
}

type InvalidatePatternRequest struct {
	Pattern     string `json:"pattern"` // e.g. "u1|calendar|week:*"
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
	RequestID   string `json:"request_id"`
}

type InvalidateResponse struct {
	Success     bool      `json:"success"`
	RequestID   string    `json:"request_id"`
	Keys        []string  `json:"keys,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

type GetAuditLogsRequest struct {
	Limit   int    `query:"limit"`   // Number of logs to retrieve
	Offset  int    `query:"offset"`  // Pagination offset
	Subject string `query:"subject"` // Optional: filter by subject
}

type GetAuditLogsResponse struct {
	Logs       []AuditLog `json:"logs"`
	TotalCount int        `json:"total_count"`
	HasMore    bool       `json:"has_more"`
}

type AuditStatsRequest struct {
	WindowHours int `query:"window_hours"` // Default 24
}

type MetricsResponse struct {
	TotalInvalidations   int64 `json:"total_invalidations"`
	KeyInvalidations     int64 `json:"key_invalidations"`
	SubjectInvalidations int64 `json:"subject_invalidations"`
	PatternInvalidations int64 `json:"pattern_invalidations"`
	AuditWrites          int64 `json:"audit_writes"`
	AuditDuplicates      int64 `json:"audit_duplicates"`
	PubSubPublishes      int64 `json:"pubsub_publishes"`
	Errors               int64 `json:"errors"`
}

// InvalidateSubject clears every cache line of a subject on all instances,
// as after an account re-import.
//
//encore:api public method=POST path=/invalidate/subject
func InvalidateSubject(ctx context.Context, req *InvalidateSubjectRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.InvalidateSubject(ctx, req)
}

func (s *Service) InvalidateSubject(ctx context.Context, req *InvalidateSubjectRequest) (*InvalidateResponse, error) {
	subject := strings.TrimSpace(req.Subject)
	if err := models.ValidateSubject(subject); err != nil {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
	}

	event := s.newEvent(req.TriggeredBy, req.RequestID, req.Reason)
	event.Subject = subject
	if err := s.broadcast(ctx, event); err != nil {
		return nil, err
	}
	s.metrics.SubjectInvalidations.Add(1)

	return &InvalidateResponse{
		Success:     true,
		RequestID:   event.RequestID,
		Subject:     subject,
		PublishedAt: event.TriggeredAt,
	}, nil
}

// InvalidateKeys clears specific cache lines on all instances.
//
// Complexity: O(k) where k = number of keys
//
//encore:api public method=POST path=/invalidate/keys
func InvalidateKeys(ctx context.Context, req *InvalidateKeysRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.InvalidateKeys(ctx, req)
}

func (s *Service) InvalidateKeys(ctx context.Context, req *InvalidateKeysRequest) (*InvalidateResponse, error) {
	if len(req.Keys) == 0 {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "keys cannot be empty"}
	}
	keys := deduplicateKeys(req.Keys)
	for _, k := range keys {
		if _, err := models.ParseCacheKey(k); err != nil {
			return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
		}
	}

	event := s.newEvent(req.TriggeredBy, req.RequestID, req.Reason)
	event.Keys = keys
	if err := s.broadcast(ctx, event); err != nil {
		return nil, err
	}
	s.metrics.KeyInvalidations.Add(1)

	return &InvalidateResponse{
		Success:     true,
		RequestID:   event.RequestID,
		Keys:        keys,
		PublishedAt: event.TriggeredAt,
	}, nil
}

// InvalidatePattern clears the lines of one subject matching a glob on all instances.
//
//encore:api public method=POST path=/invalidate/pattern
func InvalidatePattern(ctx context.Context, req *InvalidatePatternRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.InvalidatePattern(ctx, req)
}

func (s *Service) InvalidatePattern(ctx context.Context, req *InvalidatePatternRequest) (*InvalidateResponse, error) {
	p, err := utils.ParseKeyPattern(req.Pattern)
	if err != nil {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
	}
	if !p.LiteralSubject() {
		// every instance would have to scan every subject
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: fmt.Sprintf("pattern %q: subject must be literal", req.Pattern)}
	}

	event := s.newEvent(req.TriggeredBy, req.RequestID, req.Reason)
	event.Pattern = p.String()
	if err := s.broadcast(ctx, event); err != nil {
		return nil, err
	}
	s.metrics.PatternInvalidations.Add(1)

	return &InvalidateResponse{
		Success:     true,
		RequestID:   event.RequestID,
		Pattern:     event.Pattern,
		PublishedAt: event.TriggeredAt,
	}, nil
}

func (s *Service) newEvent(triggeredBy, requestID, reason string) *events.InvalidationEvent {
	if triggeredBy == "" {
		triggeredBy = "invalidation"
	}
	if requestID == "" {
		requestID = generateRequestID()
	}
	meta := map[string]string{"triggered_by": triggeredBy}
	if reason != "" {
		meta["reason"] = reason
	}
	return &events.InvalidationEvent{
		Version:     events.EventVersion1,
		Service:     "invalidation",
		TriggeredAt: s.now(),
		Meta:        meta,
		RequestID:   requestID,
	}
}

func (s *Service) broadcast(ctx context.Context, event *events.InvalidationEvent) error {
	if err := event.Validate(); err != nil {
		return &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
	}
	if err := s.publish(ctx, event); err != nil {
		s.metrics.Errors.Add(1)
		return &errs.Error{Code: errs.Unavailable, Message: "failed to publish invalidation event: " + err.Error()}
	}
	s.metrics.PubSubPublishes.Add(1)
	s.metrics.TotalInvalidations.Add(1)
	return nil
}

// GetAuditLogs retrieves invalidation audit history with pagination.
//
//encore:api public method=GET path=/audit/logs
func GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAuditLogs(ctx, req)
}

func (s *Service) GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	limit, offset := req.Limit, req.Offset
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000 // Max page size
	}
	if offset < 0 {
		offset = 0
	}

	logs, err := s.auditLogger.GetRecent(ctx, limit+1, offset, req.Subject)
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, fmt.Errorf("failed to fetch audit logs: %w", err)
	}
	hasMore := len(logs) > limit
	if hasMore {
		logs = logs[:limit]
	}

	totalCount, err := s.auditLogger.GetCount(ctx, req.Subject)
	if err != nil {
		totalCount = offset + len(logs) // Fallback
	}

	return &GetAuditLogsResponse{
		Logs:       logs,
		TotalCount: totalCount,
		HasMore:    hasMore,
	}, nil
}

// GetAuditLog returns the audit row of one invalidation.
//
//encore:api public method=GET path=/audit/logs/:requestID
func GetAuditLog(ctx context.Context, requestID string) (*AuditLog, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAuditLog(ctx, requestID)
}

func (s *Service) GetAuditLog(ctx context.Context, requestID string) (*AuditLog, error) {
	log, err := s.auditLogger.GetByRequestID(ctx, requestID)
	if errors.Is(err, ErrAuditNotFound) {
		return nil, &errs.Error{Code: errs.NotFound, Message: "no audit log for request " + requestID}
	}
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, err
	}
	return log, nil
}

// GetAuditStats aggregates recent invalidations.
//
//encore:api public method=GET path=/audit/stats
func GetAuditStats(ctx context.Context, req *AuditStatsRequest) (*AuditStats, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAuditStats(ctx, req)
}

func (s *Service) GetAuditStats(ctx context.Context, req *AuditStatsRequest) (*AuditStats, error) {
	hours := req.WindowHours
	if hours <= 0 {
		hours = 24
	}
	return s.auditLogger.GetStats(ctx, s.now().Add(-time.Duration(hours)*time.Hour))
}

// GetMetrics returns invalidation service metrics.
//
//encore:api public method=GET path=/invalidate/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	return &MetricsResponse{
		TotalInvalidations:   s.metrics.TotalInvalidations.Load(),
		KeyInvalidations:     s.metrics.KeyInvalidations.Load(),
		SubjectInvalidations: s.metrics.SubjectInvalidations.Load(),
		PatternInvalidations: s.metrics.PatternInvalidations.Load(),
		AuditWrites:          s.metrics.AuditWrites.Load(),
		AuditDuplicates:      s.metrics.AuditDuplicates.Load(),
		PubSubPublishes:      s.metrics.PubSubPublishes.Load(),
		Errors:               s.metrics.Errors.Load(),
	}, nil
}

// Helper functions

// deduplicateKeys removes duplicate keys while preserving order.
func deduplicateKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	result := make([]string, 0, len(keys))

	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			result = append(result, key)
		}
	}

	return result
}

// generateRequestID creates a unique request identifier for tracing.
func generateRequestID() string {
	return "inv-" + uuid.NewString()
}
