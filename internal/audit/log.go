package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"bloodnet.org/internal/auth"
	"bloodnet.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with the request ID and the
// caller's identity and roles.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	if roles := auth.RolesFromContext(ctx); len(roles) > 0 {
		entry["roles"] = roles
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Sink records engine events as audit log lines. Write failures are logged
// and swallowed so callers never see them.
type Sink struct{}

// NewSink returns the log-backed audit sink.
func NewSink() Sink { return Sink{} }

// Record implements matching.AuditSink.
func (Sink) Record(ctx context.Context, eventType, description, actorUserID string) {
	fields := map[string]any{"description": description}
	if actorUserID != "" {
		fields["actor_user_id"] = actorUserID
	}
	if err := LogEvent(ctx, eventType, fields); err != nil {
		obs.LogJSON("warn", "audit write failed", map[string]any{"event": eventType, "error": err.Error()})
	}
}
