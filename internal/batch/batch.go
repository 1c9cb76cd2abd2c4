// Package batch runs the pipeline over many files concurrently.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/orchestrator"
	"github.com/lucasnoah/layerfix/internal/runs"
)

// Transformer runs one file through the pipeline.
type Transformer interface {
	Transform(ctx context.Context, code string, requested []layer.ID, opts layer.Options) (*orchestrator.Report, error)
}

// ReportSaver keeps per-file reports, e.g. a runs.Store.
type ReportSaver interface {
	Save(rep *orchestrator.Report, source string) (*runs.Entry, error)
}

// Options configure a batch.
type Options struct {
	Layers     []layer.ID
	Transform  layer.Options
	Workers    int
	Extensions []string
	// Write replaces changed files in place. Ignored for dry runs.
	Write bool
}

// Outcome is the result for one file.
type Outcome struct {
	Path             string   `json:"path"`
	RunID            string   `json:"run_id,omitempty"`
	Changed          bool     `json:"changed"`
	Written          bool     `json:"written"`
	SuccessfulStages int      `json:"successful_stages"`
	PlannedStages    int      `json:"planned_stages"`
	AppliedRules     []string `json:"applied_rules,omitempty"`
	Skipped          bool     `json:"skipped,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Summary aggregates a batch.
type Summary struct {
	Files      int       `json:"files"`
	Changed    int       `json:"changed"`
	Written    int       `json:"written"`
	Failed     int       `json:"failed"`
	DurationMs int64     `json:"duration_ms"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Runner transforms files with bounded concurrency.
type Runner struct {
	t        Transformer
	opts     Options
	saver    ReportSaver
	progress io.Writer
}

// NewRunner creates a Runner. Workers <= 0 means one.
func NewRunner(t Transformer, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Runner{t: t, opts: opts}
}

// SetReportSaver sets where each file's report is kept.
func (r *Runner) SetReportSaver(s ReportSaver) {
	r.saver = s
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (r *Runner) SetProgress(w io.Writer) {
	r.progress = w
}

func (r *Runner) logf(format string, args ...interface{}) {
	if r.progress != nil {
		fmt.Fprintf(r.progress, "  → "+format+"\n", args...)
	}
}

// Run expands paths and transforms every matching file. A file's failure is
// recorded in its outcome; a FatalFailure stops the batch and is returned
// along with the outcomes gathered so far.
func (r *Runner) Run(ctx context.Context, paths []string) (*Summary, error) {
	files, err := Expand(paths, r.opts.Extensions)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	outcomes := make([]Outcome, len(files))
	for i, f := range files {
		outcomes[i] = Outcome{Path: f, Skipped: true}
	}
	r.logf("batch: %d file(s), %d worker(s)", len(files), r.opts.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i, f := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out, err := r.one(gctx, f)
			outcomes[i] = out
			return err
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	sum := &Summary{DurationMs: time.Since(start).Milliseconds(), Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Skipped {
			continue
		}
		sum.Files++
		if o.Changed {
			sum.Changed++
		}
		if o.Written {
			sum.Written++
		}
		if o.Error != "" {
			sum.Failed++
		}
	}
	r.logf("batch: %d processed, %d changed, %d written, %d failed in %dms",
		sum.Files, sum.Changed, sum.Written, sum.Failed, sum.DurationMs)
	return sum, runErr
}

// one transforms a single file. Only fatal errors are returned.
func (r *Runner) one(ctx context.Context, path string) (Outcome, error) {
	o := Outcome{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		o.Error = fmt.Sprintf("read: %v", err)
		return o, nil
	}
	code := string(data)

	rep, err := r.t.Transform(ctx, code, r.opts.Layers, r.opts.Transform)
	if rep != nil {
		o.RunID = rep.RunID
		o.PlannedStages = len(rep.Plan)
		o.SuccessfulStages = rep.SuccessfulStages
		o.AppliedRules = rep.AppliedRules
		o.Changed = rep.Changed(code)
	}
	if err != nil {
		o.Error = err.Error()
		r.logf("%s: %v", path, err)
		if errors.Is(err, layer.ErrFatal) {
			return o, fmt.Errorf("%s: %w", path, err)
		}
		return o, nil
	}

	if r.saver != nil {
		if _, err := r.saver.Save(rep, path); err != nil {
			r.logf("%s: save report: %v", path, err)
		}
	}

	if o.Changed && r.opts.Write && !r.opts.Transform.DryRun {
		if err := runs.ReplaceFile(path, []byte(rep.FinalCode)); err != nil {
			o.Error = fmt.Sprintf("write: %v", err)
			return o, nil
		}
		o.Written = true
	}
	r.logf("%s: %d/%d layer(s), changed=%t", path, o.SuccessfulStages, o.PlannedStages, o.Changed)
	return o, nil
}

// Expand turns files and directories into a sorted, de-duplicated file list.
// Directories are walked for files with one of exts; hidden directories and
// node_modules are skipped. Files named explicitly are kept regardless of
// extension.
func Expand(paths []string, exts []string) ([]string, error) {
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		want[strings.ToLower(e)] = true
	}

	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", root, err)
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if p != root && (strings.HasPrefix(name, ".") || name == "node_modules") {
					return filepath.SkipDir
				}
				return nil
			}
			if want[strings.ToLower(filepath.Ext(p))] {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	sort.Strings(files)
	return files, nil
}
