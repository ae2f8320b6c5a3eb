// Package audit keeps an append-only, hash-stamped log of order-related
// events, independent of the primary order/fill storage.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"exec-core/pkg/db"
)

// Auditor appends tamper-evident event records. It has no update or delete
// operations.
type Auditor struct {
	store *db.Database
}

func NewAuditor(store *db.Database) *Auditor {
	return &Auditor{store: store}
}

// RecordEvent computes the event hash and persists the record. The hash covers
// event_type|mode|order_id|timestamp|canonical_json(payload); verification
// later recomputes it from the stored fields.
func (a *Auditor) RecordEvent(ctx context.Context, eventType, mode, orderID string, payload map[string]any, actor, severity string) (db.AuditEvent, error) {
	if severity == "" {
		severity = "info"
	}
	now := time.Now().UTC()

	canonical, err := canonicalJSON(payload)
	if err != nil {
		return db.AuditEvent{}, fmt.Errorf("canonicalize audit payload: %w", err)
	}

	e := db.AuditEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Mode:      mode,
		OrderID:   orderID,
		Payload:   canonical,
		Actor:     actor,
		Severity:  severity,
		Hash:      EventHash(eventType, mode, orderID, now, canonical),
		CreatedAt: now,
	}

	if err := a.store.InsertAuditEvent(ctx, e); err != nil {
		return db.AuditEvent{}, fmt.Errorf("insert audit event: %w", err)
	}
	return e, nil
}

// Record is RecordEvent for call sites where a failed audit write must not
// abort the operation being audited; the failure is logged instead.
func (a *Auditor) Record(ctx context.Context, eventType, mode, orderID string, payload map[string]any, actor, severity string) {
	if _, err := a.RecordEvent(ctx, eventType, mode, orderID, payload, actor, severity); err != nil {
		log.Printf("audit: record %s for order %s: %v", eventType, orderID, err)
	}
}

// FetchRecent returns the most recent events across all types.
func (a *Auditor) FetchRecent(ctx context.Context, limit int) ([]db.AuditEvent, error) {
	return a.store.ListAuditEvents(ctx, limit)
}

// Verify recomputes the hash of a stored event and compares it.
func Verify(e db.AuditEvent) bool {
	return EventHash(e.EventType, e.Mode, e.OrderID, e.CreatedAt, e.Payload) == e.Hash
}

// EventHash derives the tamper-evidence stamp for one event.
func EventHash(eventType, mode, orderID string, ts time.Time, canonicalPayload string) string {
	parts := strings.Join([]string{
		eventType,
		mode,
		orderID,
		ts.UTC().Format(time.RFC3339Nano),
		canonicalPayload,
	}, "|")
	sum := sha256.Sum256([]byte(parts))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON renders the payload deterministically: map keys are emitted in
// sorted order by the encoder.
func canonicalJSON(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
