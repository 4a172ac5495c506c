package engine

import (
	"errors"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Classifier reports whether a statement error is benign.
type Classifier func(error) bool

var benignPatterns = []string{"already exists", "duplicate"}

// IsBenign reports whether err says the object being created already exists.
// PostgreSQL and MySQL errors are matched on their codes; any other error is
// matched on its message.
func IsBenign(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42P07", // duplicate_table
			"42701", // duplicate_column
			"42710", // duplicate_object
			"42P06", // duplicate_schema
			"42723", // duplicate_function
			"42P04", // duplicate_database
			"42712", // duplicate_alias
			"23505": // unique_violation
			return true
		}
	}

	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1007, // database exists
			1050, // table exists
			1060, // duplicate column
			1061, // duplicate key name
			1062, // duplicate entry
			1304, // procedure exists
			1359, // trigger exists
			1826: // duplicate foreign key
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range benignPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
