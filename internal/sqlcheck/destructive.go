package sqlcheck

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

type finding struct {
	code    string
	message string
}

// destructive reports operations that irreversibly delete data. They are
// legitimate in migrations, so they are only warnings.
func destructive(stmt *pg_query.Node) []finding {
	var out []finding

	switch node := stmt.Node.(type) {
	case *pg_query.Node_DropStmt:
		drop := node.DropStmt
		if drop.RemoveType != pg_query.ObjectType_OBJECT_TABLE {
			break
		}
		cascade := ""
		if drop.Behavior == pg_query.DropBehavior_DROP_CASCADE {
			cascade = " CASCADE"
		}
		for _, name := range objectNames(drop.Objects) {
			out = append(out, finding{
				code:    "dangerous_drop_table",
				message: fmt.Sprintf("DROP TABLE %s%s permanently deletes all data in '%s'", name, cascade, name),
			})
		}

	case *pg_query.Node_TruncateStmt:
		out = append(out, finding{
			code: "dangerous_truncate",
			message: fmt.Sprintf("TRUNCATE %s deletes all rows",
				strings.Join(relationNames(node.TruncateStmt.Relations), ", ")),
		})

	case *pg_query.Node_DeleteStmt:
		del := node.DeleteStmt
		if del.WhereClause == nil {
			name := rangeVarName(del.Relation)
			out = append(out, finding{
				code: "dangerous_delete_all",
				message: fmt.Sprintf("DELETE without WHERE clause deletes all rows of '%s'\n"+
					"  If that is intended, write: DELETE FROM %s WHERE true", name, name),
			})
		}

	case *pg_query.Node_AlterTableStmt:
		alter := node.AlterTableStmt
		table := rangeVarName(alter.Relation)
		for _, cmd := range alter.Cmds {
			c, ok := cmd.Node.(*pg_query.Node_AlterTableCmd)
			if !ok || c.AlterTableCmd.Subtype != pg_query.AlterTableType_AT_DropColumn {
				continue
			}
			out = append(out, finding{
				code:    "dangerous_drop_column",
				message: fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s permanently deletes the column data", table, c.AlterTableCmd.Name),
			})
		}
	}

	return out
}

func objectNames(objects []*pg_query.Node) []string {
	var names []string
	for _, obj := range objects {
		list, ok := obj.Node.(*pg_query.Node_List)
		if !ok {
			continue
		}
		var parts []string
		for _, item := range list.List.Items {
			if s, ok := item.Node.(*pg_query.Node_String_); ok {
				parts = append(parts, s.String_.Sval)
			}
		}
		names = append(names, strings.Join(parts, "."))
	}
	if len(names) == 0 {
		names = append(names, "unknown")
	}
	return names
}

func relationNames(relations []*pg_query.Node) []string {
	var names []string
	for _, rel := range relations {
		if rv, ok := rel.Node.(*pg_query.Node_RangeVar); ok {
			names = append(names, rangeVarName(rv.RangeVar))
		}
	}
	return names
}

func rangeVarName(rv *pg_query.RangeVar) string {
	if rv == nil {
		return "unknown"
	}
	if rv.Schemaname != "" {
		return rv.Schemaname + "." + rv.Relname
	}
	return rv.Relname
}
