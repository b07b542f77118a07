package db

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

// Snapshot format: JSONL, one meta line then one task per line. The
// file is git-friendly so a repo can carry the task graph alongside
// the code it describes.

const snapshotVersion = 1

type snapshotMeta struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
}

type snapshotEdge struct {
	To   string                `json:"to"`
	Kind models.DependencyKind `json:"kind"`
}

type snapshotTask struct {
	models.Task
	Edges []snapshotEdge `json:"edges,omitempty"`
}

// ExportSnapshot writes the full task graph to path. The write goes
// through a temp file and rename so readers never see a partial
// snapshot.
func (db *DB) ExportSnapshot(ctx context.Context, path string) error {
	tasks, err := db.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return err
	}

	edges := make(map[string][]snapshotEdge)
	rows, err := db.QueryContext(ctx, `SELECT from_task, to_task, kind FROM task_dependencies ORDER BY from_task, to_task, kind`)
	if err != nil {
		return errs.NewStore("export snapshot", err)
	}
	for rows.Next() {
		var from string
		var e snapshotEdge
		if err := rows.Scan(&from, &e.To, &e.Kind); err != nil {
			rows.Close()
			return errs.NewStore("export snapshot", err)
		}
		edges[from] = append(edges[from], e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errs.NewStore("export snapshot", err)
	}
	rows.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	if err := enc.Encode(snapshotMeta{Version: snapshotVersion, ExportedAt: time.Now().UTC()}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot meta: %w", err)
	}
	for _, t := range tasks {
		if err := enc.Encode(snapshotTask{Task: *t, Edges: edges[t.ID]}); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write snapshot task: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value, updated_at) VALUES ('last_export', ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		sqlTime(time.Now()))
	if err != nil {
		return errs.NewStore("export snapshot", err)
	}
	return nil
}

// ImportSnapshot merges a snapshot into the store. Conflicts resolve
// last-write-wins on updated_at: a local row newer than the incoming
// one is kept as is. Returns the number of tasks inserted or updated.
func (db *DB) ImportSnapshot(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return 0, fmt.Errorf("failed to read snapshot: %w", err)
		}
		return 0, nil
	}
	var meta snapshotMeta
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil || meta.Version == 0 {
		return 0, errs.NewValidation("snapshot", "missing or invalid meta line")
	}
	if meta.Version > snapshotVersion {
		return 0, errs.NewValidation("snapshot", fmt.Sprintf("unsupported snapshot version %d", meta.Version))
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.NewStore("import snapshot", err)
	}
	defer tx.Rollback()

	applied := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var st snapshotTask
		if err := json.Unmarshal(line, &st); err != nil {
			return 0, fmt.Errorf("failed to decode snapshot line: %w", err)
		}
		if st.ID == "" {
			return 0, errs.NewValidation("snapshot", "task line without id")
		}

		ok, err := upsertSnapshotTask(ctx, tx, &st.Task)
		if err != nil {
			return 0, err
		}
		if ok {
			applied++
		}
		for _, e := range st.Edges {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO task_dependencies (from_task, to_task, kind) VALUES (?, ?, ?)`,
				st.ID, e.To, e.Kind); err != nil {
				return 0, errs.NewStore("import snapshot", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.NewStore("import snapshot", err)
	}
	return applied, nil
}

func upsertSnapshotTask(ctx context.Context, exec executor, t *models.Task) (bool, error) {
	// The write carries explicit timestamps; the guarded trigger
	// leaves them alone so last-write-wins stays stable across
	// repeated imports.
	res, err := exec.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, type, status, priority, assignee, branch,
		                   labels, notes, parent_id, created_at, updated_at, closed_at, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			type = excluded.type,
			status = excluded.status,
			priority = excluded.priority,
			assignee = excluded.assignee,
			branch = excluded.branch,
			labels = excluded.labels,
			notes = excluded.notes,
			parent_id = excluded.parent_id,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at,
			close_reason = excluded.close_reason
		WHERE excluded.updated_at > tasks.updated_at`,
		t.ID, t.Title, t.Description, t.Type, t.Status, t.Priority, t.Assignee, t.Branch,
		marshalLabels(t.Labels), t.Notes, t.ParentID,
		sqlTime(t.CreatedAt), sqlTime(t.UpdatedAt), sqlTimePtr(t.ClosedAt), t.CloseReason)
	if err != nil {
		return false, errs.NewStore("import snapshot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.NewStore("import snapshot", err)
	}
	return n > 0, nil
}

// EnableAutoSnapshot exports a snapshot after every mutation.
// Failures are reported to stderr and do not fail the mutation.
func (db *DB) EnableAutoSnapshot(path string) {
	db.SetOnChange(func(ctx context.Context) {
		db.DisableOnChange()
		defer db.EnableOnChange()
		if err := db.ExportSnapshot(ctx, path); err != nil {
			fmt.Fprintf(os.Stderr, "auto-snapshot failed: %v\n", err)
		}
	})
}
