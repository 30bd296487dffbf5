package task

import (
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestNormalizeDSNEnablesFoundRows(t *testing.T) {
	dsn, err := normalizeDSN("user:pass@tcp(localhost:3306)/opentrip?parseTime=true")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if !cfg.ClientFoundRows {
		t.Fatal("CLIENT_FOUND_ROWS must be enabled so no-op updates are not read as missing rows")
	}
	if cfg.DBName != "opentrip" || cfg.Addr != "localhost:3306" {
		t.Fatalf("connection settings must survive normalization: %+v", cfg)
	}
}

func TestNormalizeDSNRejectsGarbage(t *testing.T) {
	if _, err := normalizeDSN("not a dsn at all ://"); err == nil {
		t.Fatal("invalid DSN must be rejected")
	}
}

func TestBuildFilterClause(t *testing.T) {
	t.Run("empty options", func(t *testing.T) {
		clause, args := buildFilterClause(ListOptions{})
		if clause != "" || args != nil {
			t.Fatalf("expected no clause, got %q %v", clause, args)
		}
	})

	t.Run("combined filters", func(t *testing.T) {
		with := true
		clause, args := buildFilterClause(ListOptions{
			Statuses:   []Status{StatusPending, StatusFailed},
			UpdatedGTE: 100,
			UpdatedLTE: 200,
			HasResult:  &with,
			Query:      "tokyo",
		})
		for _, fragment := range []string{
			"status IN (?,?)",
			"updated_at >= ?",
			"updated_at <= ?",
			"result_reply <> ''",
			"query LIKE ?",
		} {
			if !strings.Contains(clause, fragment) {
				t.Fatalf("clause missing %q: %s", fragment, clause)
			}
		}
		// 2 状态 + 2 时间 + 6 模糊匹配
		if len(args) != 10 {
			t.Fatalf("unexpected arg count %d: %v", len(args), args)
		}
		if args[len(args)-1] != "%tokyo%" {
			t.Fatalf("query pattern missing: %v", args)
		}
	})
}
