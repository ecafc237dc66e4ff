// Package warehouse lays materialized model output out on object storage:
// one directory per run, a manifest naming the latest run, a file index per
// model, and external table definitions pointing at the latest files.
package warehouse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/storage"
)

const (
	manifestName  = "_latest.json"
	compactedName = "data.ndjson"
)

// Manifest records the run whose output is current for a model.
type Manifest struct {
	TeamID    int64     `json:"team_id"`
	Label     string    `json:"label"`
	RunID     string    `json:"run_id"`
	Dir       string    `json:"dir"`
	Parts     []string  `json:"parts"`
	Compacted bool      `json:"compacted"`
	WrittenAt time.Time `json:"written_at"`
}

// Warehouse writes and maintains model output on a storage backend.
type Warehouse struct {
	store storage.Storage
	log   *logger.Logger
	now   func() time.Time
}

// New creates a Warehouse over s.
func New(s storage.Storage, log *logger.Logger) *Warehouse {
	return &Warehouse{store: s, log: log.WithComponent("warehouse"), now: time.Now}
}

// ModelDir is the directory holding every run of a model.
func ModelDir(teamID int64, label string) string {
	return fmt.Sprintf("models/%d/%s", teamID, url.PathEscape(label))
}

// RunDir is the directory holding one run's output.
func RunDir(teamID int64, label, runID string) string {
	return ModelDir(teamID, label) + "/" + url.PathEscape(runID)
}

func manifestPath(teamID int64, label string) string {
	return ModelDir(teamID, label) + "/" + manifestName
}

// --- writing ---

// Writer receives the parts of one run. It implements queryengine.Sink.
type Writer struct {
	TeamID int64
	Label  string
	RunID  string

	w     *Warehouse
	mu    sync.Mutex
	parts []string
}

// NewWriter starts a run's output.
func (w *Warehouse) NewWriter(teamID int64, label, runID string) *Writer {
	return &Writer{TeamID: teamID, Label: label, RunID: runID, w: w}
}

// Dir is the run directory the writer fills.
func (wr *Writer) Dir() string { return RunDir(wr.TeamID, wr.Label, wr.RunID) }

// WritePart stores part index of the run.
func (wr *Writer) WritePart(ctx context.Context, index int, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/part-%05d.ndjson", wr.Dir(), index)
	if err := storage.WriteAll(ctx, wr.w.store, path, data); err != nil {
		return err
	}
	wr.mu.Lock()
	wr.parts = append(wr.parts, path)
	wr.mu.Unlock()
	return nil
}

// Parts returns the paths written so far.
func (wr *Writer) Parts() []string {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return append([]string(nil), wr.parts...)
}

// Commit makes the writer's run the latest output of the model and deletes
// the output of every superseded run.
func (w *Warehouse) Commit(ctx context.Context, wr *Writer) (*Manifest, error) {
	m := &Manifest{
		TeamID:    wr.TeamID,
		Label:     wr.Label,
		RunID:     wr.RunID,
		Dir:       wr.Dir(),
		Parts:     wr.Parts(),
		WrittenAt: w.now().UTC(),
	}
	if err := w.writeManifest(ctx, m); err != nil {
		return nil, err
	}
	if err := w.prune(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Abort deletes whatever the writer stored.
func (w *Warehouse) Abort(ctx context.Context, wr *Writer) error {
	var errs []error
	for _, p := range wr.Parts() {
		errs = append(errs, w.store.Delete(ctx, p))
	}
	return errors.Join(errs...)
}

// prune removes every object of the model outside the current run.
func (w *Warehouse) prune(ctx context.Context, m *Manifest) error {
	files, err := w.store.List(ctx, ModelDir(m.TeamID, m.Label)+"/")
	if err != nil {
		return err
	}
	keep := manifestPath(m.TeamID, m.Label)
	deleted := 0
	for _, f := range files {
		if f.Path == keep || strings.HasPrefix(f.Path, m.Dir+"/") {
			continue
		}
		if err := w.store.Delete(ctx, f.Path); err != nil {
			return err
		}
		deleted++
	}
	if deleted > 0 {
		w.log.Debug("superseded output removed", logger.Fields(logger.FieldModel, m.Label, "files", deleted))
	}
	return nil
}

// --- reading and maintenance ---

// Latest returns the model's current manifest. A model that has never been
// written yields an error matching storage.ErrNotFound.
func (w *Warehouse) Latest(ctx context.Context, teamID int64, label string) (*Manifest, error) {
	var m Manifest
	if err := w.readJSON(ctx, manifestPath(teamID, label), &m); err != nil {
		return nil, fmt.Errorf("warehouse: manifest of %s: %w", label, err)
	}
	return &m, nil
}

func (w *Warehouse) writeManifest(ctx context.Context, m *Manifest) error {
	return w.writeJSON(ctx, manifestPath(m.TeamID, m.Label), m)
}

// Compact merges the latest run's parts into a single file and deletes the
// parts. Compacting compacted output is a no-op.
func (w *Warehouse) Compact(ctx context.Context, teamID int64, label string) (*Manifest, error) {
	m, err := w.Latest(ctx, teamID, label)
	if err != nil {
		return nil, err
	}
	if m.Compacted {
		return m, nil
	}

	var buf bytes.Buffer
	for _, p := range m.Parts {
		data, err := storage.ReadAll(ctx, w.store, p)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	merged := m.Dir + "/" + compactedName
	if err := storage.WriteAll(ctx, w.store, merged, buf.Bytes()); err != nil {
		return nil, err
	}

	old := m.Parts
	m.Parts = []string{merged}
	m.Compacted = true
	if err := w.writeManifest(ctx, m); err != nil {
		return nil, err
	}
	for _, p := range old {
		if err := w.store.Delete(ctx, p); err != nil {
			return nil, err
		}
	}
	w.log.Debug("output compacted", logger.Fields(logger.FieldModel, label, "parts", len(old)))
	return m, nil
}

// CountRows counts the rows of the latest output.
func (w *Warehouse) CountRows(ctx context.Context, teamID int64, label string) (int64, error) {
	m, err := w.Latest(ctx, teamID, label)
	if err != nil {
		return 0, err
	}
	var rows int64
	for _, p := range m.Parts {
		n, err := w.countLines(ctx, p)
		if err != nil {
			return 0, err
		}
		rows += n
	}
	return rows, nil
}

func (w *Warehouse) countLines(ctx context.Context, path string) (int64, error) {
	rc, err := w.store.Download(ctx, path)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	var n int64
	r := bufio.NewReader(rc)
	for {
		line, err := r.ReadSlice('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			n++
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return n, nil
		default:
			return 0, err
		}
	}
}
