package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
	"nowhere-ai/internal/infra/tracer"
)

// AuditCollection holds persisted audit events.
const AuditCollection = "audit_events"

// NopAuditLogger discards audit events. For tests.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, domain.AuditEvent) error { return nil }
func (NopAuditLogger) Close() error                                 { return nil }

// CompositeAuditLogger appends every event to the persistence store and,
// when configured, to a JSONL file. Active trace spans get the event attached
// as a span event.
type CompositeAuditLogger struct {
	store     domain.Store
	clock     domain.Clock
	ids       domain.IDSource
	retention time.Duration
	enc       *AESContentEncryptor

	mu   sync.Mutex
	file *os.File
	path string
}

// NewCompositeAuditLogger opens the JSONL sink (0600) when cfg.Path is set.
// With a passphrase configured, file lines are encrypted at rest; the store
// copy stays queryable.
func NewCompositeAuditLogger(store domain.Store, clock domain.Clock, cfg config.AuditConfig) (*CompositeAuditLogger, error) {
	l := &CompositeAuditLogger{
		store:     store,
		clock:     clock,
		ids:       domain.NewULIDSource(clock),
		retention: cfg.Retention,
		path:      cfg.Path,
	}
	if cfg.Passphrase != "" {
		enc, err := NewAESContentEncryptor(cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("audit encryptor: %w", err)
		}
		l.enc = enc
	}
	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		l.file = f
	}
	return l, nil
}

// Init declares the audit collection.
func (l *CompositeAuditLogger) Init(ctx context.Context) error {
	return l.store.EnsureCollection(ctx, domain.CollectionSpec{
		Name:    AuditCollection,
		Indexed: []string{"tenant_id", "actor_id", "action", "outcome"},
	})
}

// Log implements domain.AuditLogger. The store write must succeed; the file
// and span sinks are best effort.
func (l *CompositeAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.ID == "" {
		event.ID = l.ids.NewID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.clock.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	if _, err := l.store.Put(ctx, AuditCollection, event.ID, data); err != nil {
		return domain.WrapOp("audit.log", err)
	}

	if l.file != nil {
		line := data
		if l.enc != nil {
			sealed, err := l.enc.Encrypt(string(data))
			if err == nil {
				line = []byte(sealed)
			}
		}
		l.mu.Lock()
		_, _ = l.file.Write(append(line, '\n'))
		l.mu.Unlock()
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := []attribute.KeyValue{
			tracer.StringAttr("audit.tenant_id", event.TenantID),
			tracer.StringAttr("audit.actor_id", event.ActorID),
			tracer.StringAttr("audit.subject", event.Subject),
			tracer.StringAttr("audit.outcome", event.Outcome),
		}
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Action), trace.WithAttributes(attrs...))
	}
	return nil
}

// Query returns persisted events for a tenant, newest first.
func (l *CompositeAuditLogger) Query(ctx context.Context, tenantID string, action domain.AuditAction, limit int) ([]domain.AuditEvent, error) {
	eq := map[string]string{"tenant_id": tenantID}
	if action != "" {
		eq["action"] = string(action)
	}
	recs, err := l.store.Query(ctx, AuditCollection, domain.Filter{Eq: eq},
		[]domain.Sort{{Field: "created_at", Desc: true}}, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AuditEvent, 0, len(recs))
	for i := range recs {
		var ev domain.AuditEvent
		if err := json.Unmarshal(recs[i].Data, &ev); err != nil {
			return nil, fmt.Errorf("decode audit event %s: %w", recs[i].ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// EnforceRetention drops events older than the configured retention from both
// sinks. Wired to the scheduler's audit_retention job.
func (l *CompositeAuditLogger) EnforceRetention(ctx context.Context) (int, error) {
	if l.retention <= 0 {
		return 0, nil
	}
	cutoff := l.clock.Now().UTC().Add(-l.retention)

	var stale []string
	for rec, err := range l.store.Stream(ctx, AuditCollection, domain.Filter{}, nil) {
		if err != nil {
			return 0, err
		}
		var ev domain.AuditEvent
		if json.Unmarshal(rec.Data, &ev) != nil || ev.Timestamp.Before(cutoff) {
			stale = append(stale, rec.ID)
		}
	}
	removed := 0
	for _, id := range stale {
		if err := l.store.Delete(ctx, AuditCollection, id); err == nil {
			removed++
		}
	}

	if err := l.rewriteFile(cutoff); err != nil {
		return removed, err
	}
	return removed, nil
}

// rewriteFile drops aged lines from the JSONL sink by rewriting it in place.
func (l *CompositeAuditLogger) rewriteFile(cutoff time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close for retention: %w", err)
	}
	reopen := func() {
		l.file, _ = os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	}

	in, err := os.Open(l.path)
	if err != nil {
		reopen()
		return fmt.Errorf("open for reading: %w", err)
	}
	var kept [][]byte
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		plain := line
		if l.enc != nil {
			if dec, err := l.enc.Decrypt(string(line)); err == nil {
				plain = []byte(dec)
			}
		}
		var entry struct {
			Timestamp time.Time `json:"timestamp"`
		}
		if json.Unmarshal(plain, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, append([]byte(nil), line...))
	}
	in.Close()
	if err := scanner.Err(); err != nil {
		reopen()
		return fmt.Errorf("scan audit log: %w", err)
	}

	tmp := l.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		reopen()
		return fmt.Errorf("create temp file: %w", err)
	}
	for _, line := range kept {
		out.Write(line)
		out.Write([]byte{'\n'})
	}
	out.Close()
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		reopen()
		return fmt.Errorf("rename temp file: %w", err)
	}
	reopen()
	return nil
}

// Close flushes and closes the file sink. The store is owned by the caller.
func (l *CompositeAuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enc != nil {
		l.enc.Zeroize()
	}
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

var _ domain.AuditLogger = (*CompositeAuditLogger)(nil)
var _ domain.AuditLogger = NopAuditLogger{}
