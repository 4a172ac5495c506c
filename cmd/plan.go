package cmd

import (
	"fmt"

	"github.com/lockplane/sqlstep/internal/catalog"
	"github.com/spf13/cobra"
)

var planJSON bool

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print pending migrations as JSON")
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "List the migrations apply would run",
	Long: `List the migration files that have not completed yet, in the order apply
would run them. Nothing is executed, but the ledger table is created if it
does not exist.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
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
	pending, err := eng.Pending(cmd.Context(), p.env.MigrationsDir, db)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if planJSON {
		if pending == nil {
			pending = []catalog.MigrationFile{}
		}
		return writeJSON(out, pending)
	}
	if len(pending) == 0 {
		fmt.Fprintln(out, "Nothing to apply")
		return nil
	}
	for _, f := range pending {
		fmt.Fprintf(out, "%s  %s\n", f.Version, f.Filename)
	}
	fmt.Fprintf(out, "%d migration(s) pending\n", len(pending))
	return nil
}
