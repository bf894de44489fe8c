// Package agent implements the Agent record and the id -> Agent manager
// described in spec §3 and §4.4: each Agent owns a PTY process, a
// transcript ring, and a virtual screen; the manager is a single mutex-
// guarded table with unique-name generation.
package agent

import (
	"time"

	"agentryd/internal/ptyproc"
	"agentryd/internal/screen"
	"agentryd/internal/transcript"
)

// State is the agent's lifecycle state.
type State int

const (
	// Running means the child process has not yet been reaped.
	Running State = iota
	// Exited means TryReap returned an exit code.
	Exited
)

// ExitReason classifies why an agent exited, per spec §3.
type ExitReason int

const (
	// ReasonNone applies while the agent is still running.
	ReasonNone ExitReason = iota
	// ReasonNormal is the default reason for any exit not attributed to
	// the reaper's own timeout enforcement.
	ReasonNormal
	// ReasonTimeout means the reaper's wall-clock timeout fired.
	ReasonTimeout
	// ReasonKilled means an explicit Kill request was issued (still
	// reported generically — the reaper cannot distinguish an
	// externally-delivered signal from a natural signal death, so this
	// reason is set only when the daemon itself sent the signal that
	// caused the exit, via MarkKillRequested before the reap completes).
	ReasonKilled
)

// Limits are the optional per-agent resource limits set at Spawn.
type Limits struct {
	// TimeoutSeconds is 0 if unset (no wall-clock timeout).
	TimeoutSeconds float64
	// MaxOutputBytes is 0 if unset (use the manager-wide default cap).
	MaxOutputBytes int
}

// Agent is one PTY-backed child process under daemon control.
type Agent struct {
	ID      string
	Command []string
	Labels  []string
	Limits  Limits

	PTY        *ptyproc.Process
	Screen     *screen.Screen
	Transcript *transcript.Ring

	State         State
	ExitCode      int
	ExitReason    ExitReason
	Attached      bool
	StartedAt     time.Time
	SIGTERMSentAt time.Time

	killRequested bool
}

// DefaultTranscriptCap is the 1 MiB fallback used when neither the request
// nor the daemon config supplies a transcript cap.
const DefaultTranscriptCap = 1024 * 1024

// New constructs a Running Agent wrapping an already-spawned PTY process.
// defaultMaxOutputBytes is the daemon-wide fallback (from Config) applied
// when limits.MaxOutputBytes is unset; it falls back to DefaultTranscriptCap
// itself when zero.
func New(id string, command, labels []string, limits Limits, proc *ptyproc.Process, rows, cols int, defaultMaxOutputBytes int) *Agent {
	cap := limits.MaxOutputBytes
	if cap <= 0 {
		cap = defaultMaxOutputBytes
	}
	if cap <= 0 {
		cap = DefaultTranscriptCap
	}
	return &Agent{
		ID:         id,
		Command:    command,
		Labels:     append([]string(nil), labels...),
		Limits:     limits,
		PTY:        proc,
		Screen:     screen.New(rows, cols),
		Transcript: transcript.New(cap),
		State:      Running,
		StartedAt:  time.Now(),
	}
}

// IsRunning reports whether the agent has not yet been reaped.
func (a *Agent) IsRunning() bool {
	return a.State == Running
}

// HasLabels reports whether the agent carries every label in want.
func (a *Agent) HasLabels(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Labels))
	for _, l := range a.Labels {
		have[l] = struct{}{}
	}
	for _, w := range want {
		if _, ok := have[w]; !ok {
			return false
		}
	}
	return true
}

// MarkKillRequested records that the daemon itself is about to signal this
// agent, so a subsequent reap can attribute the exit reason to Killed
// rather than Normal.
func (a *Agent) MarkKillRequested() {
	a.killRequested = true
}

// MarkExited transitions the agent to Exited with the given code, deriving
// the exit reason from prior timeout/kill bookkeeping. Per spec open
// question 3, code is treated as an opaque integer (already 128+signal
// encoded for signal deaths by ptyproc.TryReap), never decomposed further.
func (a *Agent) MarkExited(code int) {
	a.State = Exited
	a.ExitCode = code
	switch {
	case !a.SIGTERMSentAt.IsZero():
		a.ExitReason = ReasonTimeout
	case a.killRequested:
		a.ExitReason = ReasonKilled
	default:
		a.ExitReason = ReasonNormal
	}
}
