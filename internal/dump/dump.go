// Package dump persists chat request/response pairs as timestamped JSON
// records for offline inspection. It is a side channel: nothing in the
// gateway ever reads these files back.
package dump

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder writes one JSON file per record under a fixed local directory.
// A nil *Recorder is a no-op, which is how the opt-in works.
type Recorder struct {
	dir    string
	logger *zap.Logger
}

// NewRecorder creates the directory if needed and returns a live recorder.
func NewRecorder(dir string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{dir: dir, logger: logger}, nil
}

// record is the on-disk envelope.
type record struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Record persists one payload. Failures are logged and swallowed; the
// diagnostic channel must never break a chat call.
func (r *Recorder) Record(kind string, payload any) {
	if r == nil {
		return
	}
	now := time.Now().UTC()
	rec := record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: now,
		Payload:   payload,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		r.logger.Warn("failed to marshal dump record", zap.String("kind", kind), zap.Error(err))
		return
	}

	name := now.Format("20060102T150405.000000000Z") + "-" + kind + ".json"
	if err := os.WriteFile(filepath.Join(r.dir, name), data, 0o644); err != nil {
		r.logger.Warn("failed to write dump record", zap.String("kind", kind), zap.Error(err))
	}
}

// Dir returns the record directory.
func (r *Recorder) Dir() string {
	if r == nil {
		return ""
	}
	return r.dir
}
