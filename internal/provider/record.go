package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Recorder appends raw agent traffic to a per-worktree log file when
// ACTIVATE_PROVIDER_LOG is set. Lines are prefixed IN:: (child stdin),
// OUT:: (stdout) and ERR:: (stderr). Credential material never passes
// through here: only wire traffic does.
type Recorder struct {
	mu   sync.Mutex
	file *os.File
}

// NewRecorder opens (appending) the log file for one provider/session/
// worktree triple. The directory is created 0700, the file 0600.
func NewRecorder(dir, providerName, sessionID, worktreeID string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("provider: create log directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%s.log", providerName, sessionID, worktreeID)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("provider: open log file: %w", err)
	}
	return &Recorder{file: f}, nil
}

func (r *Recorder) write(prefix string, line []byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	fmt.Fprintf(r.file, "%s %s%s\n", ts, prefix, line)
}

// In records a line written to the child's stdin.
func (r *Recorder) In(line []byte) { r.write("IN::", line) }

// Out records a line read from the child's stdout.
func (r *Recorder) Out(line []byte) { r.write("OUT::", line) }

// Err records a line read from the child's stderr.
func (r *Recorder) Err(line []byte) { r.write("ERR::", line) }

// Close closes the underlying file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
