package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event: the order lifecycle
// actions, a position returning flat, admin authentication, and a risk
// rejection — the events this engine's own pipeline can produce.
type AuditEventType string

const (
	AuditOrderPlacement     AuditEventType = "order_placement"
	AuditOrderCancellation  AuditEventType = "order_cancellation"
	AuditOrderModification  AuditEventType = "order_modification"
	AuditPositionClose      AuditEventType = "position_close"
	AuditAuthentication     AuditEventType = "authentication"
	AuditAuthenticationFail AuditEventType = "authentication_failed"
	AuditRiskAction         AuditEventType = "risk_action"
)

// AuditEvent represents a single audit trail entry.
type AuditEvent struct {
	EventID     string                 `json:"event_id"`
	Timestamp   time.Time              `json:"timestamp"`
	EventType   AuditEventType         `json:"event_type"`
	UserID      string                 `json:"user_id,omitempty"`
	StrategyID  string                 `json:"strategy_id,omitempty"`
	IPAddress   string                 `json:"ip_address,omitempty"`
	Action      string                 `json:"action"`
	Resource    string                 `json:"resource,omitempty"`
	ResourceID  string                 `json:"resource_id,omitempty"`
	Status      string                 `json:"status"` // success, failed, denied
	Reason      string                 `json:"reason,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Compliance  bool                   `json:"compliance"`
	Environment string                 `json:"environment"`
	RequestID   string                 `json:"request_id,omitempty"`
}

// AuditLogger handles durable audit trail logging for the order/position
// pipeline and the admin auth surface. A nil *AuditLogger is valid: every
// exported Log method is a no-op on a nil receiver, so components that
// don't care about an audit trail (tests, the in-process strategies
// fixtures) can simply leave the field unset rather than threading a
// stub through every constructor.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	encoder     *json.Encoder
	filePath    string
	rotateSize  int64
	currentSize int64
	buffer      []*AuditEvent
	bufferSize  int
	flushTicker *time.Ticker
	stopChan    chan struct{}
	environment string
}

// NewAuditLogger creates a new audit logger writing newline-delimited JSON
// to auditDir/audit.log.
func NewAuditLogger(auditDir string) (*AuditLogger, error) {
	if err := os.MkdirAll(auditDir, 0755); err != nil {
		return nil, err
	}

	filePath := filepath.Join(auditDir, "audit.log")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	stat, _ := file.Stat()

	al := &AuditLogger{
		file:        file,
		encoder:     json.NewEncoder(file),
		filePath:    filePath,
		rotateSize:  100 * 1024 * 1024, // 100MB
		currentSize: stat.Size(),
		buffer:      make([]*AuditEvent, 0, 100),
		bufferSize:  100,
		flushTicker: time.NewTicker(5 * time.Second),
		stopChan:    make(chan struct{}),
		environment: getEnvironment(),
	}

	go al.autoFlush()

	return al, nil
}

// LogOrderPlacement records a broker-side order submission.
func (al *AuditLogger) LogOrderPlacement(ctx context.Context, orderUUID, strategyID, productType, symbol, side string, quantity int64, orderType string) {
	if al == nil {
		return
	}
	al.logEvent(ctx, &AuditEvent{
		EventID:    generateEventID(),
		EventType:  AuditOrderPlacement,
		Action:     "place_order",
		Resource:   "order",
		ResourceID: orderUUID,
		StrategyID: strategyID,
		Status:     "success",
		Metadata: map[string]interface{}{
			"product_type": productType,
			"symbol":       symbol,
			"side":         side,
			"quantity":     quantity,
			"order_type":   orderType,
		},
		Compliance: true,
	})
}

// LogOrderCancellation records a resolved cancel request.
func (al *AuditLogger) LogOrderCancellation(ctx context.Context, orderUUID, strategyID, outcome string) {
	if al == nil {
		return
	}
	al.logEvent(ctx, &AuditEvent{
		EventID:    generateEventID(),
		EventType:  AuditOrderCancellation,
		Action:     "cancel_order",
		Resource:   "order",
		ResourceID: orderUUID,
		StrategyID: strategyID,
		Status:     outcome,
		Compliance: true,
	})
}

// LogOrderModification records a resolved replace request.
func (al *AuditLogger) LogOrderModification(ctx context.Context, orderUUID, strategyID string, newQuantity int64, outcome string) {
	if al == nil {
		return
	}
	al.logEvent(ctx, &AuditEvent{
		EventID:    generateEventID(),
		EventType:  AuditOrderModification,
		Action:     "replace_order",
		Resource:   "order",
		ResourceID: orderUUID,
		StrategyID: strategyID,
		Status:     outcome,
		Metadata: map[string]interface{}{
			"new_quantity": newQuantity,
		},
		Compliance: true,
	})
}

// LogPositionClose records a (strategy, product_type, symbol) position
// returning flat.
func (al *AuditLogger) LogPositionClose(ctx context.Context, strategyID, productType, symbol string, netPnl float64) {
	if al == nil {
		return
	}
	al.logEvent(ctx, &AuditEvent{
		EventID:    generateEventID(),
		EventType:  AuditPositionClose,
		Action:     "position_flat",
		Resource:   "position",
		ResourceID: fmt.Sprintf("%s|%s|%s", strategyID, productType, symbol),
		StrategyID: strategyID,
		Status:     "success",
		Metadata: map[string]interface{}{
			"net_pnl": netPnl,
		},
		Compliance: true,
	})
}

// LogAuthentication logs a successful admin login (auth.Service.Login).
func (al *AuditLogger) LogAuthentication(ctx context.Context, userID, ipAddress, method string) {
	if al == nil {
		return
	}
	al.logEvent(ctx, &AuditEvent{
		EventID:    generateEventID(),
		EventType:  AuditAuthentication,
		Action:     "login",
		UserID:     userID,
		IPAddress:  ipAddress,
		Status:     "success",
		Metadata:   map[string]interface{}{"method": method},
		Compliance: true,
	})
}

// LogAuthenticationFailed logs a failed admin login attempt.
func (al *AuditLogger) LogAuthenticationFailed(ctx context.Context, username, ipAddress, reason string) {
	if al == nil {
		return
	}
	al.logEvent(ctx, &AuditEvent{
		EventID:    generateEventID(),
		EventType:  AuditAuthenticationFail,
		Action:     "login_failed",
		IPAddress:  ipAddress,
		Status:     "failed",
		Reason:     reason,
		Metadata:   map[string]interface{}{"username": username},
		Compliance: true,
	})
}

// LogRiskAction records a risk rejection.
func (al *AuditLogger) LogRiskAction(ctx context.Context, orderUUID, strategyID, rule, reason string) {
	if al == nil {
		return
	}
	al.logEvent(ctx, &AuditEvent{
		EventID:    generateEventID(),
		EventType:  AuditRiskAction,
		Action:     "risk_reject",
		Resource:   "order",
		ResourceID: orderUUID,
		StrategyID: strategyID,
		Status:     "denied",
		Reason:     reason,
		Metadata:   map[string]interface{}{"rule": rule},
		Compliance: true,
	})
}

// logEvent writes an audit event to the log, masking any sensitive-looking
// text before it touches disk: order Details are free-form
// strategy-authored key/value pairs and could carry a pasted secret.
func (al *AuditLogger) logEvent(ctx context.Context, event *AuditEvent) {
	event.Timestamp = time.Now().UTC()
	event.Environment = al.environment

	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		event.RequestID = requestID
	}
	if event.UserID == "" {
		if userID, ok := ctx.Value(userIDKey).(string); ok {
			event.UserID = userID
		}
	}

	event.Reason = MaskSensitiveData(event.Reason)
	if event.Metadata != nil {
		event.Metadata = MaskSensitiveMap(event.Metadata)
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.buffer = append(al.buffer, event)
	if len(al.buffer) >= al.bufferSize {
		al.flush()
	}
}

// flush writes buffered events to disk.
func (al *AuditLogger) flush() {
	if len(al.buffer) == 0 {
		return
	}

	for _, event := range al.buffer {
		if err := al.encoder.Encode(event); err == nil {
			al.currentSize += 500 // rough estimate
		}
	}

	al.file.Sync()
	al.buffer = al.buffer[:0]

	if al.currentSize >= al.rotateSize {
		al.rotate()
	}
}

// autoFlush periodically flushes the buffer.
func (al *AuditLogger) autoFlush() {
	for {
		select {
		case <-al.flushTicker.C:
			al.mu.Lock()
			al.flush()
			al.mu.Unlock()
		case <-al.stopChan:
			return
		}
	}
}

// rotate rotates the log file.
func (al *AuditLogger) rotate() {
	al.file.Close()

	timestamp := time.Now().Format("20060102-150405")
	rotatedPath := al.filePath + "." + timestamp
	os.Rename(al.filePath, rotatedPath)

	file, err := os.OpenFile(al.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}

	al.file = file
	al.encoder = json.NewEncoder(file)
	al.currentSize = 0
}

// Close flushes and closes the audit logger. Safe to call on a nil
// receiver so callers can defer it unconditionally.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	close(al.stopChan)
	al.flushTicker.Stop()

	al.mu.Lock()
	defer al.mu.Unlock()

	al.flush()
	return al.file.Close()
}

// generateEventID generates a unique event ID.
func generateEventID() string {
	return fmt.Sprintf("audit-%d", time.Now().UnixNano())
}
