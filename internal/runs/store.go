// Package runs keeps transform reports on disk so they can be inspected
// after the process exits.
package runs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/layerfix/internal/orchestrator"
)

// ErrNotFound is returned when a run has no saved report.
var ErrNotFound = errors.New("run not found")

// Entry is the document saved as report.json.
type Entry struct {
	RunID   string               `json:"run_id"`
	Source  string               `json:"source,omitempty"`
	SavedAt time.Time            `json:"saved_at"`
	Report  *orchestrator.Report `json:"report"`
}

// Store manages run artifacts on disk.
type Store struct {
	baseDir string
	now     func() time.Time
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir, now: time.Now}
}

// DefaultStore returns a Store at ~/.layerfix/runs, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".layerfix", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewStore(dir), nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// validRunID rejects ids that would escape the base directory.
func validRunID(runID string) bool {
	return runID != "" && runID != "." && runID != ".." && !strings.ContainsAny(runID, `/\`)
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

func (s *Store) reportPath(runID string) string {
	return filepath.Join(s.runDir(runID), "report.json")
}

// LayerOutputPath returns where a stage's output code is saved.
func (s *Store) LayerOutputPath(runID string, id int, name string) string {
	return filepath.Join(s.runDir(runID), "layers", fmt.Sprintf("%d-%s.out", id, name))
}

// Save writes rep under its run id. Stages that carry code (verbose
// reports) also get their output written next to it.
func (s *Store) Save(rep *orchestrator.Report, source string) (*Entry, error) {
	if rep == nil || rep.RunID == "" {
		return nil, fmt.Errorf("save run: report has no run id")
	}
	if !validRunID(rep.RunID) {
		return nil, fmt.Errorf("save run: invalid run id %q", rep.RunID)
	}

	for _, res := range rep.Results {
		if res.Skipped || (res.InputCode == "" && res.OutputCode == "") {
			continue
		}
		path := s.LayerOutputPath(rep.RunID, int(res.Layer), res.Name)
		if err := WriteAtomic(path, []byte(res.OutputCode), 0o644); err != nil {
			return nil, fmt.Errorf("write layer %d output: %w", res.Layer, err)
		}
	}

	e := &Entry{RunID: rep.RunID, Source: source, SavedAt: s.now().UTC(), Report: rep}
	if err := WriteJSON(s.reportPath(rep.RunID), e); err != nil {
		return nil, fmt.Errorf("write report.json: %w", err)
	}
	return e, nil
}

// Get reads the saved report of a run.
func (s *Store) Get(runID string) (*Entry, error) {
	if !validRunID(runID) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, runID)
	}
	var e Entry
	if err := ReadJSON(s.reportPath(runID), &e); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}
	return &e, nil
}

// LayerOutput reads a saved stage output.
func (s *Store) LayerOutput(runID string, id int, name string) (string, error) {
	if !validRunID(runID) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, runID)
	}
	data, err := os.ReadFile(s.LayerOutputPath(runID, id, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: no output for layer %d of %s", ErrNotFound, id, runID)
		}
		return "", err
	}
	return string(data), nil
}

// List returns every saved run, newest first.
func (s *Store) List() ([]Entry, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var out []Entry
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		e, err := s.Get(entry.Name())
		if err != nil {
			continue // skip directories without a readable report
		}
		out = append(out, *e)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SavedAt.Equal(out[j].SavedAt) {
			return out[i].SavedAt.After(out[j].SavedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

// Delete removes a run and its artifacts.
func (s *Store) Delete(runID string) error {
	if !validRunID(runID) {
		return fmt.Errorf("%w: %q", ErrNotFound, runID)
	}
	dir := s.runDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return os.RemoveAll(dir)
}
