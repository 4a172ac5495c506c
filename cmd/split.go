package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/lockplane/sqlstep/internal/splitter"
	"github.com/spf13/cobra"
)

var splitJSON bool

func init() {
	rootCmd.AddCommand(splitCmd)
	splitCmd.Flags().BoolVar(&splitJSON, "json", false, "Print statements as JSON")
}

var splitCmd = &cobra.Command{
	Use:   "split FILE",
	Short: "Print the statements a script splits into",
	Long: `Split a SQL script the way apply does and print each statement. Use "-"
to read from stdin. No database connection is needed.`,
	Example: `  sqlstep split migrations/003_triggers.sql --dialect block
  cat script.sql | sqlstep split - --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSplit,
}

type splitOutput struct {
	Statements []splitter.Statement `json:"statements"`
	Fallback   string               `json:"fallback,omitempty"`
}

func runSplit(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}

	dialect, err := splitter.ForName(globalFlags.dialect)
	if err != nil {
		return err
	}
	result := splitter.Split(string(data), dialect)

	out := cmd.OutOrStdout()
	if splitJSON {
		payload := splitOutput{Statements: result.Statements}
		if payload.Statements == nil {
			payload.Statements = []splitter.Statement{}
		}
		if result.Fallback != nil {
			payload.Fallback = result.Fallback.Error()
		}
		return writeJSON(out, payload)
	}

	for i, stmt := range result.Statements {
		kind := ""
		if stmt.IsBlock {
			kind = " (block)"
		}
		fmt.Fprintf(out, "-- statement %d, line %d%s\n%s\n\n", i+1, stmt.Line, kind, stmt.Text)
	}
	if result.Fallback != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  %v\n", result.Fallback)
	}
	return nil
}
