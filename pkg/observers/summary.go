package observers

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/japa/pkg/metrics"
)

// SessionSummary aggregates one listening session.
type SessionSummary struct {
	SessionID     string    `json:"session_id"`
	Provider      string    `json:"provider,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Occurrences   uint64    `json:"occurrences"`
	SegmentChars  int       `json:"segment_chars"`
	RevisionChars int       `json:"revision_chars"`
	Restarts      int       `json:"restarts"`
	Errors        []string  `json:"errors,omitempty"`
	StopCommand   bool      `json:"stop_command"`
	EndReason     string    `json:"end_reason,omitempty"`
}

// SummaryObserver logs a summary when a session ends and, when dir is set,
// writes it next to the timeline as <session>.summary.json.
type SummaryObserver struct {
	log      *slog.Logger
	dir      string
	mu       sync.Mutex
	sessions map[string]*SessionSummary
}

func NewSummaryObserver(log *slog.Logger, dir string) *SummaryObserver {
	if log == nil {
		log = slog.Default()
	}
	return &SummaryObserver{log: log, dir: dir, sessions: make(map[string]*SessionSummary)}
}

func (o *SummaryObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := ""
	if ev.Tags != nil {
		id = ev.Tags[metrics.TagSessionID]
	}
	if id == "" {
		return
	}
	o.mu.Lock()
	s := o.sessions[id]
	if s == nil {
		s = &SessionSummary{SessionID: id, StartedAt: ev.Time}
		o.sessions[id] = s
	}
	switch ev.Name {
	case metrics.NameSessionStarted:
		s.StartedAt = ev.Time
		s.Provider = ev.Tags[metrics.TagProvider]
	case metrics.NameOccurrences:
		s.Occurrences += uint64(ev.Value)
	case metrics.NameSegmentChars:
		s.SegmentChars += int(ev.Value)
	case metrics.NameRevisionChars:
		s.RevisionChars += int(ev.Value)
	case metrics.NameRestartScheduled:
		s.Restarts++
	case metrics.NameProviderError:
		s.Errors = append(s.Errors, ev.Tags[metrics.TagCode])
	case metrics.NameStopCommand:
		s.StopCommand = true
	case metrics.NameSessionEnded:
		s.EndedAt = ev.Time
		s.EndReason = ev.Tags[metrics.TagReason]
		delete(o.sessions, id)
		o.mu.Unlock()
		o.flush(*s)
		return
	}
	o.mu.Unlock()
}

// Open returns the summaries of sessions that have not ended yet.
func (o *SummaryObserver) Open() []SessionSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SessionSummary, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, *s)
	}
	return out
}

func (o *SummaryObserver) flush(s SessionSummary) {
	o.log.Info("session_summary",
		"session_id", s.SessionID,
		"provider", s.Provider,
		"occurrences", s.Occurrences,
		"restarts", s.Restarts,
		"errors", len(s.Errors),
		"stop_command", s.StopCommand,
		"duration_ms", durationMs(s.StartedAt, s.EndedAt),
	)
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		o.log.Warn("session_summary_write_failed", "error", err)
		return
	}
	path := filepath.Join(o.dir, sanitizeID(s.SessionID)+".summary.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		o.log.Warn("session_summary_write_failed", "error", err)
	}
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}

var _ metrics.Observer = (*SummaryObserver)(nil)
