package engine

import (
	"errors"
	"fmt"
	"testing"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

func TestIsBenign(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sqlite table exists", errors.New("SQL logic error: table t already exists (1)"), true},
		{"mysql duplicate message", errors.New("Duplicate column name 'email'"), true},
		{"syntax error", errors.New(`syntax error at or near "SELEC"`), false},
		{"missing table", errors.New("no such table: users"), false},
		{"pq duplicate table", &pq.Error{Code: "42P07", Message: "relation exists"}, true},
		{"pq undefined table", &pq.Error{Code: "42P01", Message: "relation does not exist"}, false},
		{"wrapped pq", fmt.Errorf("exec: %w", &pq.Error{Code: "42710", Message: "x"}), true},
		{"mysql table exists", &gomysql.MySQLError{Number: 1050, Message: "Table 'users' exists"}, true},
		{"mysql unknown column", &gomysql.MySQLError{Number: 1054, Message: "Unknown column 'x'"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBenign(tt.err); got != tt.want {
				t.Errorf("IsBenign(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
