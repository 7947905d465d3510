package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// Snapshot is one agent slot's state as of the last cycle, written to
// slot-<n>.json for operators and supervisors to poll.
type Snapshot struct {
	AgentID            string    `json:"agent_id"`
	Slot               int       `json:"slot"`
	State              string    `json:"state"`
	LeaseID            string    `json:"lease_id,omitempty"`
	ResourceNumber     int       `json:"resource_number,omitempty"`
	ExitIP             string    `json:"exit_ip,omitempty"`
	Score              int       `json:"score"`
	SuccessSinceToggle int       `json:"success_since_toggle"`
	NoWorkStreak       int       `json:"no_work_streak"`
	Cycles             int       `json:"cycles"`
	TasksSucceeded     int       `json:"tasks_succeeded"`
	TasksFailed        int       `json:"tasks_failed"`
	TasksBlocked       int       `json:"tasks_blocked"`
	Toggles            int       `json:"toggles"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Writer maintains the status artifacts for one agent slot. Every
// write is best-effort: status files are observability, never worth
// failing a cycle over.
type Writer struct {
	dir    string
	slot   int
	logger zerolog.Logger
}

// NewWriter creates a writer rooted at dir for the given slot.
func NewWriter(dir string, slot int) *Writer {
	return &Writer{
		dir:    dir,
		slot:   slot,
		logger: log.WithComponent("status"),
	}
}

// SnapshotPath returns the slot's snapshot file path.
func (w *Writer) SnapshotPath() string {
	return filepath.Join(w.dir, fmt.Sprintf("slot-%d.json", w.slot))
}

// TogglePath returns the shared toggle history file path.
func (w *Writer) TogglePath() string {
	return filepath.Join(w.dir, "toggle-history.jsonl")
}

// WriteSnapshot replaces the slot's snapshot file.
func (w *Writer) WriteSnapshot(snap *Snapshot) {
	snap.Slot = w.slot
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		w.logger.Debug().Err(err).Msg("Snapshot marshal failed")
		return
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.logger.Debug().Err(err).Str("dir", w.dir).Msg("Status dir creation failed")
		return
	}
	if err := os.WriteFile(w.SnapshotPath(), append(data, '\n'), 0o644); err != nil {
		w.logger.Debug().Err(err).Str("path", w.SnapshotPath()).Msg("Snapshot write failed")
	}
}

// AppendToggle appends one toggle event to toggle-history.jsonl.
func (w *Writer) AppendToggle(rec *types.ToggleRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		w.logger.Debug().Err(err).Msg("Toggle record marshal failed")
		return
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.logger.Debug().Err(err).Str("dir", w.dir).Msg("Status dir creation failed")
		return
	}

	f, err := os.OpenFile(w.TogglePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.logger.Debug().Err(err).Str("path", w.TogglePath()).Msg("Toggle history open failed")
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		w.logger.Debug().Err(err).Str("path", w.TogglePath()).Msg("Toggle history append failed")
	}
}
