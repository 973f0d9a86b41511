// Package memory manages the shared project-memory artifacts: a status
// document that is overwritten wholesale and an append-only log. Agents
// sharing a workspace read these at loop start for handoff context. There is
// no locking; last writer wins on the status document and the log is pure
// append.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	statusFile = "AGENT_STATUS.md"
	logFile    = "AGENT_LOG.md"
)

// Memory reads and writes the project-memory artifacts under one directory.
type Memory struct {
	dir string
	now func() time.Time
}

// New creates a Memory rooted at dir. The directory is created on first
// write, not here.
func New(dir string) *Memory {
	return &Memory{dir: dir, now: time.Now}
}

// StatusPath returns the path of the status document.
func (m *Memory) StatusPath() string { return filepath.Join(m.dir, statusFile) }

// LogPath returns the path of the log document.
func (m *Memory) LogPath() string { return filepath.Join(m.dir, logFile) }

// WriteStatus replaces the status document wholesale.
func (m *Memory) WriteStatus(content string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("memory: create dir: %w", err)
	}
	if err := os.WriteFile(m.StatusPath(), []byte(content), 0o644); err != nil {
		return fmt.Errorf("memory: write status: %w", err)
	}
	return nil
}

// AppendLog appends one timestamped entry to the log document.
func (m *Memory) AppendLog(agentName, entry string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("memory: create dir: %w", err)
	}
	f, err := os.OpenFile(m.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s: %s\n", m.now().UTC().Format(time.RFC3339), agentName, strings.TrimSpace(entry))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("memory: append log: %w", err)
	}
	return nil
}

// AnnotateAbnormal appends an abnormal-exit marker to the status document so
// the next agent reading it knows the previous run did not finish cleanly.
// Missing status document is not an error; the annotation starts one.
func (m *Memory) AnnotateAbnormal(agentName, status, detail string) error {
	existing, err := os.ReadFile(m.StatusPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("memory: read status: %w", err)
	}
	note := fmt.Sprintf("\n> [!WARNING]\n> Run by %s exited with status %q at %s.",
		agentName, status, m.now().UTC().Format(time.RFC3339))
	if detail != "" {
		note += " " + strings.TrimSpace(detail)
	}
	note += "\n"
	return m.WriteStatus(string(existing) + note)
}

// Context reads both artifacts and formats them for inclusion in an agent's
// starting context. Missing files yield empty sections, never errors.
func (m *Memory) Context() string {
	status, _ := os.ReadFile(m.StatusPath())
	logData, _ := os.ReadFile(m.LogPath())
	if len(status) == 0 && len(logData) == 0 {
		return ""
	}
	var b strings.Builder
	if len(status) > 0 {
		b.WriteString("## Project status\n")
		b.Write(status)
		b.WriteString("\n")
	}
	if len(logData) > 0 {
		b.WriteString("## Recent activity log\n")
		b.WriteString(tailLines(string(logData), 50))
	}
	return b.String()
}

// tailLines returns the last n non-empty lines so an old workspace does not
// flood the context window.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n"
}
