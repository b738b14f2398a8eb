package metadata

import (
	"reflect"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "single statement no terminator",
			script: `SELECT 1`,
			want:   []string{`SELECT 1`},
		},
		{
			name:   "two statements",
			script: "CREATE TABLE a (x INT);\nCREATE TABLE b (y INT);",
			want:   []string{`CREATE TABLE a (x INT)`, `CREATE TABLE b (y INT)`},
		},
		{
			name:   "semicolon inside single quotes",
			script: `INSERT INTO t VALUES ('a;b'); SELECT 1;`,
			want:   []string{`INSERT INTO t VALUES ('a;b')`, `SELECT 1`},
		},
		{
			name:   "escaped quote inside string",
			script: `INSERT INTO t VALUES ('it''s;fine'); SELECT 2;`,
			want:   []string{`INSERT INTO t VALUES ('it''s;fine')`, `SELECT 2`},
		},
		{
			name:   "semicolon inside double quotes",
			script: `SELECT "a;b" FROM t; SELECT 3;`,
			want:   []string{`SELECT "a;b" FROM t`, `SELECT 3`},
		},
		{
			name:   "semicolon inside line comment",
			script: "SELECT 'a;b'; -- c;d\nSELECT 2;",
			want:   []string{`SELECT 'a;b'`, "-- c;d\nSELECT 2"},
		},
		{
			name:   "semicolon inside block comment",
			script: "SELECT 1 /* not; a; terminator */; SELECT 2;",
			want:   []string{`SELECT 1 /* not; a; terminator */`, `SELECT 2`},
		},
		{
			name:   "consecutive semicolons collapse",
			script: `SELECT 1;;; SELECT 2;`,
			want:   []string{`SELECT 1`, `SELECT 2`},
		},
		{
			name:   "empty and whitespace only",
			script: "  ;\n;  ",
			want:   nil,
		},
		{
			name:   "multiline statement preserved",
			script: "CREATE TABLE t (\n  a INT,\n  b INT\n);",
			want:   []string{"CREATE TABLE t (\n  a INT,\n  b INT\n)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitStatements(tt.script)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitStatements() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitStatementsIdempotentOnSingle(t *testing.T) {
	stmt := `CREATE INDEX IF NOT EXISTS idx ON t(a)`
	got := SplitStatements(stmt)
	if len(got) != 1 || got[0] != stmt {
		t.Fatalf("expected statement unchanged, got %q", got)
	}
}

func TestMigrationsAreSplittable(t *testing.T) {
	for _, m := range Migrations() {
		stmts := SplitStatements(m.SQL)
		if len(stmts) == 0 {
			t.Errorf("migration %d produced no statements", m.ID)
		}
		for _, s := range stmts {
			if s == "" {
				t.Errorf("migration %d produced an empty statement", m.ID)
			}
		}
	}
}

func TestMigrationsOrdered(t *testing.T) {
	ms := Migrations()
	for i := 1; i < len(ms); i++ {
		if ms[i].ID <= ms[i-1].ID {
			t.Fatalf("migrations out of order: %d then %d", ms[i-1].ID, ms[i].ID)
		}
	}
}
