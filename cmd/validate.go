package cmd

import (
	"fmt"

	"github.com/lockplane/sqlstep/internal/database"
	"github.com/lockplane/sqlstep/internal/splitter"
	"github.com/lockplane/sqlstep/internal/sqlcheck"
	"github.com/spf13/cobra"
)

var validateFlags struct {
	json     bool
	postgres bool
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validateFlags.json, "json", false, "Print issues as JSON")
	validateCmd.Flags().BoolVar(&validateFlags.postgres, "postgres", false, "Parse statements with the PostgreSQL parser")
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the migrations directory without connecting",
	Long: `Check file naming, duplicate versions and script structure. With --postgres,
or when the configured database is PostgreSQL, every statement is parsed and
destructive operations are reported as warnings.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}

	var dialect splitter.Dialect = splitter.GenericDialect{}
	if p.env.Dialect != "" {
		if dialect, err = splitter.ForName(p.env.Dialect); err != nil {
			return err
		}
	}
	usePostgres := validateFlags.postgres
	if p.env.DatabaseURL != "" {
		if dbType, err := database.DetectDatabaseType(p.env.DatabaseURL); err == nil {
			usePostgres = usePostgres || dbType == database.DatabaseTypePostgres
		}
	}

	result, err := sqlcheck.Check(p.env.MigrationsDir, sqlcheck.Options{Dialect: dialect, Postgres: usePostgres})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if validateFlags.json {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		for _, issue := range result.Issues {
			fmt.Fprintln(out, issue.String())
		}
		if result.Valid {
			fmt.Fprintf(out, "✓ %d file(s) valid\n", result.Files)
		}
	}

	if !result.Valid {
		return fmt.Errorf("%d error(s) in %s", result.Errors(), p.env.MigrationsDir)
	}
	return nil
}
