package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyTaskID     = "task_id"
	KeyBranch     = "branch"
	KeyStrategy   = "strategy"
	KeyPriority   = "priority"
	KeyStatus     = "status"
	KeyStage      = "stage"
	KeyQueueSize  = "queue_size"
	KeyPosition   = "position"
	KeyReturnCode = "return_code"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func TaskID(id string) slog.Attr      { return slog.String(KeyTaskID, id) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func Strategy(s string) slog.Attr     { return slog.String(KeyStrategy, s) }
func Priority(p string) slog.Attr     { return slog.String(KeyPriority, p) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func QueueSize(n int) slog.Attr       { return slog.Int(KeyQueueSize, n) }
func Position(n int) slog.Attr        { return slog.Int(KeyPosition, n) }
func ReturnCode(c int) slog.Attr      { return slog.Int(KeyReturnCode, c) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
