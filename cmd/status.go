package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/lockplane/sqlstep/internal/engine"
	"github.com/spf13/cobra"
)

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print status rows as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every migration with its ledger state",
	Long: `Show every migration file with its ledger status, when it last ran and
whether its content changed since. Ledger rows whose file is gone are listed
as missing.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	drv, db, err := openTarget(cmd.Context(), p)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	eng, err := newEngine(p, drv, nil)
	if err != nil {
		return err
	}
	rows, err := eng.Status(cmd.Context(), p.env.MigrationsDir, db)
	if err != nil {
		return err
	}

	if statusJSON {
		if rows == nil {
			rows = []engine.StatusRow{}
		}
		return writeJSON(cmd.OutOrStdout(), rows)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tFILE\tSTATUS\tEXECUTED\tNOTE")
	for _, row := range rows {
		executed, note := "-", ""
		if row.Entry != nil {
			executed = row.Entry.ExecutedAt.Local().Format(time.DateTime)
			if row.Entry.ErrorMessage != nil {
				note = *row.Entry.ErrorMessage
			}
		}
		switch {
		case row.Missing:
			note = "file missing"
		case row.Changed:
			note = "changed since applied"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", row.Version, row.Filename, row.Status, executed, note)
	}
	return tw.Flush()
}
