package safety

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// ErrNilWriter is returned by AuditLogger.Log when the logger was constructed
// with a nil writer.
var ErrNilWriter = errors.New("audit logger: writer is nil")

// Audit sources.
const (
	SourceTool   = "tool"
	SourceEngine = "engine"
)

// AuditEntry is one line of the audit log: either a tool invocation or an
// engine operation result.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Name      string         `json:"name"`
	VMID      string         `json:"vm_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Duration  time.Duration  `json:"duration_ns,omitempty"`
}

// AuditLogger writes AuditEntry records as newline-delimited JSON to an
// io.Writer. It is safe for concurrent use.
type AuditLogger struct {
	mu  sync.Mutex
	w   io.Writer
	log *zap.Logger
	now func() time.Time
}

var _ orchestrator.Auditor = (*AuditLogger)(nil)

// NewAuditLogger returns an AuditLogger that writes to w. If w is nil the
// returned logger is also nil; every method tolerates a nil receiver.
func NewAuditLogger(w io.Writer, log *zap.Logger) *AuditLogger {
	if w == nil {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditLogger{w: w, log: log.Named("audit"), now: time.Now}
}

// Log assigns an id and timestamp when missing, masks secret params, and
// writes entry as one JSON line.
func (l *AuditLogger) Log(entry AuditEntry) error {
	if l == nil || l.w == nil {
		return ErrNilWriter
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	entry.Params = redact(entry.Params)

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, err = l.w.Write(data)
	l.mu.Unlock()

	return err
}

// Record writes an engine operation result. Write failures are logged and
// otherwise dropped.
func (l *AuditLogger) Record(res model.Result) {
	if l == nil {
		return
	}
	err := l.Log(AuditEntry{
		Source:  SourceEngine,
		Name:    res.Action,
		Success: res.Success,
		Message: res.Message,
	})
	if err != nil {
		l.log.Warn("audit write failed", zap.String("action", res.Action), zap.Error(err))
	}
}

// redact returns params with secret values replaced. The input is not modified.
func redact(params map[string]any) map[string]any {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isSecret(k) {
			v = "***"
		}
		out[k] = v
	}
	return out
}

func isSecret(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "password") || strings.Contains(k, "token") || strings.Contains(k, "secret")
}
