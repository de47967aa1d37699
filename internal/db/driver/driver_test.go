package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"", DialectSQLite, false},
		{"sqlite", DialectSQLite, false},
		{"sqlite3", DialectSQLite, false},
		{"postgres", DialectPostgres, false},
		{"postgresql", DialectPostgres, false},
		{"pg", DialectPostgres, false},
		{"oracle", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestNewUnsupported(t *testing.T) {
	_, err := New("mysql")
	assert.Error(t, err)
}

func TestRebindDollar(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT * FROM stages WHERE id = ?", "SELECT * FROM stages WHERE id = $1"},
		{"INSERT INTO t (a, b, c) VALUES (?, ?, ?)", "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"},
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE s = 'what?' AND id = ?", "SELECT * FROM t WHERE s = 'what?' AND id = $1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rebindDollar(tt.in), "input %q", tt.in)
	}
}

func TestSQLiteRebindIsNoOp(t *testing.T) {
	d := NewSQLite()
	assert.Equal(t, "SELECT ?", d.Rebind("SELECT ?"))
}

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, 1, extractVersion("board_001.sql", "board_"))
	assert.Equal(t, 12, extractVersion("board_012.sql", "board_"))
	assert.Equal(t, 0, extractVersion("board_x.sql", "board_"))
}
