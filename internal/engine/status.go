package engine

import (
	"context"
	"sort"

	"github.com/lockplane/sqlstep/internal/catalog"
	"github.com/lockplane/sqlstep/internal/ledger"
)

// NotRun is the status shown for catalog files without a ledger row.
const NotRun = "NOT RUN"

// StatusRow joins one catalog file with its ledger row.
type StatusRow struct {
	Version  string        `json:"version"`
	Filename string        `json:"filename"`
	Status   string        `json:"status"`
	Changed  bool          `json:"changed"`
	Missing  bool          `json:"missing"`
	Entry    *ledger.Entry `json:"entry,omitempty"`
}

// Status lists every catalog file with its ledger state, plus ledger rows
// whose file is no longer in dir (Missing).
func (e *Engine) Status(ctx context.Context, dir string, db ledger.Querier) ([]StatusRow, error) {
	files, err := catalog.Scan(dir)
	if err != nil {
		return nil, err
	}
	entries, err := e.ledger.List(ctx, db)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]ledger.Entry, len(entries))
	for _, entry := range entries {
		byVersion[entry.Version] = entry
	}

	rows := make([]StatusRow, 0, len(files))
	for _, f := range files {
		row := StatusRow{Version: f.Version, Filename: f.Filename, Status: NotRun}
		if entry, ok := byVersion[f.Version]; ok {
			row.Entry = &entry
			row.Status = string(entry.Status)
			if entry.Checksum != "" {
				_, sum, err := catalog.Read(f)
				if err != nil {
					return nil, err
				}
				row.Changed = sum != entry.Checksum
			}
			delete(byVersion, f.Version)
		}
		rows = append(rows, row)
	}

	for _, entry := range byVersion {
		rows = append(rows, StatusRow{
			Version:  entry.Version,
			Filename: entry.Filename,
			Status:   string(entry.Status),
			Missing:  true,
			Entry:    &entry,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return catalog.CompareVersions(rows[i].Version, rows[j].Version) < 0
	})
	return rows, nil
}
