package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// FileOutcome is the result of one attempted migration file.
type FileOutcome struct {
	Version            string        `json:"version"`
	Filename           string        `json:"filename"`
	ExternalID         string        `json:"external_id,omitempty"`
	StatementsTotal    int           `json:"statements_total"`
	StatementsExecuted int           `json:"statements_executed"`
	StatementsSkipped  int           `json:"statements_skipped"`
	RowsAffected       int64         `json:"rows_affected"`
	Success            bool          `json:"success"`
	Err                error         `json:"-"`
	FailedStatement    string        `json:"failed_statement,omitempty"`
	Warnings           []string      `json:"warnings,omitempty"`
	Duration           time.Duration `json:"-"`
}

// MarshalJSON renders the error as text and the duration in milliseconds.
func (o FileOutcome) MarshalJSON() ([]byte, error) {
	type plain FileOutcome
	out := struct {
		plain
		Error      string `json:"error,omitempty"`
		DurationMs int64  `json:"duration_ms"`
	}{plain: plain(o), DurationMs: o.Duration.Milliseconds()}
	if o.Err != nil {
		out.Error = o.Err.Error()
	}
	return json.Marshal(out)
}

// SkippedFile is a catalog file whose version was already DONE.
type SkippedFile struct {
	Version  string `json:"version"`
	Filename string `json:"filename"`
}

// Report lists, in order, the files a run attempted and the files it skipped.
type Report struct {
	Files     []FileOutcome `json:"files"`
	Skipped   []SkippedFile `json:"skipped"`
	Halted    bool          `json:"halted"`
	Cancelled bool          `json:"cancelled"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"-"`

	// LedgerErr is set when the ledger could not be written. Run also
	// returns it.
	LedgerErr *LedgerWriteError `json:"-"`
}

// Executed returns the number of files the run attempted.
func (r *Report) Executed() int { return len(r.Files) }

// Succeeded returns the number of files applied successfully.
func (r *Report) Succeeded() int {
	n := 0
	for _, f := range r.Files {
		if f.Success {
			n++
		}
	}
	return n
}

// Failed returns the file that halted the run, or nil.
func (r *Report) Failed() *FileOutcome {
	for i := range r.Files {
		if !r.Files[i].Success {
			return &r.Files[i]
		}
	}
	return nil
}

// Err returns the first fatal error of the run.
func (r *Report) Err() error {
	if f := r.Failed(); f != nil {
		return f.Err
	}
	return nil
}

// WriteText prints one line per file followed by a summary.
func (r *Report) WriteText(w io.Writer) error {
	ew := &errWriter{w: w}
	for _, f := range r.Files {
		mark := "✓"
		if !f.Success {
			mark = "✗"
		}
		ew.printf("%s %s  %s  %d/%d statements", mark, f.Version, f.Filename, f.StatementsExecuted, f.StatementsTotal)
		if f.StatementsSkipped > 0 {
			ew.printf(", %d already existed", f.StatementsSkipped)
		}
		ew.printf("  (%s)\n", f.Duration.Round(time.Millisecond))
		for _, warning := range f.Warnings {
			ew.printf("    ⚠️  %s\n", warning)
		}
		if f.Err != nil {
			ew.printf("    error: %v\n", f.Err)
			if f.FailedStatement != "" {
				ew.printf("    > %s\n", preview(f.FailedStatement))
			}
		}
	}

	if len(r.Skipped) > 0 {
		ew.printf("%d already applied\n", len(r.Skipped))
	}
	switch {
	case r.LedgerErr != nil:
		ew.printf("Ledger write failed, check %s manually: %v\n", r.LedgerErr.Version, r.LedgerErr.Err)
	case r.Halted:
		ew.printf("Stopped after %d of %d attempted files succeeded\n", r.Succeeded(), r.Executed())
	case r.Cancelled:
		ew.printf("Cancelled after %d files\n", r.Executed())
	case r.Executed() == 0:
		ew.printf("Nothing to apply\n")
	default:
		ew.printf("Applied %d migration(s) in %s\n", r.Succeeded(), r.Duration.Round(time.Millisecond))
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
