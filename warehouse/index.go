package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/queryengine"
	"github.com/kbukum/modelrun/storage"
)

// FileIndex lists the files of a model's latest output.
type FileIndex struct {
	TeamID    int64     `json:"team_id"`
	Label     string    `json:"label"`
	RunID     string    `json:"run_id"`
	Files     []string  `json:"files"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Table is an external table definition over materialized files.
type Table struct {
	TeamID    int64                `json:"team_id"`
	Name      string               `json:"name"`
	Format    string               `json:"format"`
	Files     []string             `json:"files"`
	Columns   []queryengine.Column `json:"columns"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func indexPath(teamID int64, label string) string {
	return fmt.Sprintf("index/%d/%s.json", teamID, url.PathEscape(label))
}

func tablePath(teamID int64, name string) string {
	return fmt.Sprintf("tables/%d/%s.json", teamID, url.PathEscape(name))
}

// RegisterFiles records the URLs of the latest output in the file index and
// returns them.
func (w *Warehouse) RegisterFiles(ctx context.Context, teamID int64, label string) ([]string, error) {
	m, err := w.Latest(ctx, teamID, label)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		u, err := w.store.URL(ctx, p)
		if err != nil {
			return nil, err
		}
		files = append(files, u)
	}

	idx := FileIndex{TeamID: teamID, Label: label, RunID: m.RunID, Files: files, UpdatedAt: w.now().UTC()}
	if err := w.writeJSON(ctx, indexPath(teamID, label), idx); err != nil {
		return nil, err
	}
	return files, nil
}

// Files returns the indexed files of a model.
func (w *Warehouse) Files(ctx context.Context, teamID int64, label string) (*FileIndex, error) {
	var idx FileIndex
	if err := w.readJSON(ctx, indexPath(teamID, label), &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// RegisterTable creates or refreshes the external table name over files.
// Refreshing keeps the table's creation time.
func (w *Warehouse) RegisterTable(ctx context.Context, teamID int64, name string, files []string, columns []queryengine.Column) error {
	now := w.now().UTC()
	t := Table{TeamID: teamID, Name: name, Format: "ndjson", Files: files, Columns: columns, CreatedAt: now, UpdatedAt: now}

	existing, err := w.Table(ctx, teamID, name)
	switch {
	case err == nil:
		t.CreatedAt = existing.CreatedAt
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	if err := w.writeJSON(ctx, tablePath(teamID, name), t); err != nil {
		return err
	}
	w.log.Info("table registered", logger.Fields(
		logger.FieldTeamID, teamID,
		"table", name,
		"files", len(files),
		"created", err != nil,
	))
	return nil
}

// Table reads an external table definition.
func (w *Warehouse) Table(ctx context.Context, teamID int64, name string) (*Table, error) {
	var t Table
	if err := w.readJSON(ctx, tablePath(teamID, name), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (w *Warehouse) writeJSON(ctx context.Context, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteAll(ctx, w.store, path, data)
}

func (w *Warehouse) readJSON(ctx context.Context, path string, v interface{}) error {
	data, err := storage.ReadAll(ctx, w.store, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("warehouse: decode %s: %w", path, err)
	}
	return nil
}
