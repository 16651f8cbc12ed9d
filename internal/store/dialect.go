package store

import (
	"fmt"
	"strings"
	"time"
)

// Dialect captures everything that differs between the SQL engines the task
// table runs on: placeholder style, how to qualify the table, the locked
// single-row pick, and timestamp arithmetic for backoff and hang detection.
type Dialect struct {
	Name string
	// Migration is the template under migrations/ that provisions the table.
	Migration string
	// Now is the SQL expression for the current timestamp. Every timestamp
	// column is written through it so values stay comparable.
	Now string

	bind        func(n int) string
	qualify     func(schema, table string) string
	pickOne     func(table, where string) string
	insert      func(table string) string
	delayedTo   func(base time.Duration) string
	staleBefore func(lag time.Duration) string
}

// Postgres locks the candidate row with FOR UPDATE SKIP LOCKED.
var Postgres = Dialect{
	Name:      "postgres",
	Migration: "postgres.sql",
	Now:       "CURRENT_TIMESTAMP",
	bind:      func(n int) string { return fmt.Sprintf("$%d", n) },
	qualify:   dotQualify,
	pickOne: func(table, where string) string {
		return fmt.Sprintf("SELECT id, json, error_text FROM %s WHERE %s ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED", table, where)
	},
	insert: func(table string) string {
		return fmt.Sprintf("INSERT INTO %s (type, json) VALUES ($1, $2) RETURNING id", table)
	},
	delayedTo: func(base time.Duration) string {
		return fmt.Sprintf("CURRENT_TIMESTAMP + INTERVAL '%d milliseconds' * attempt", base.Milliseconds())
	},
	staleBefore: func(lag time.Duration) string {
		return fmt.Sprintf("CURRENT_TIMESTAMP - INTERVAL '%d milliseconds'", lag.Milliseconds())
	},
}

// MSSQL uses UPDLOCK/READPAST table hints for the skip-locked read.
var MSSQL = Dialect{
	Name:      "mssql",
	Migration: "mssql.sql",
	Now:       "CURRENT_TIMESTAMP",
	bind:      func(n int) string { return fmt.Sprintf("@p%d", n) },
	qualify:   dotQualify,
	pickOne: func(table, where string) string {
		return fmt.Sprintf("SELECT TOP(1) id, json, error_text FROM %s WITH (UPDLOCK, READPAST, ROWLOCK) WHERE %s ORDER BY id", table, where)
	},
	insert: func(table string) string {
		return fmt.Sprintf("INSERT INTO %s (type, json) OUTPUT INSERTED.id VALUES (@p1, @p2)", table)
	},
	delayedTo: func(base time.Duration) string {
		return fmt.Sprintf("DATEADD(second, %d * attempt, CURRENT_TIMESTAMP)", int64(base/time.Second))
	},
	staleBefore: func(lag time.Duration) string {
		return fmt.Sprintf("DATEADD(second, %d, CURRENT_TIMESTAMP)", -int64(lag/time.Second))
	},
}

const sqliteNow = "strftime('%Y-%m-%d %H:%M:%f', 'now')"

// SQLite has no row locks; a connection pool of one plus the status-guarded
// claim update keeps claims exclusive. Timestamps are millisecond UTC text.
var SQLite = Dialect{
	Name:      "sqlite3",
	Migration: "sqlite3.sql",
	Now:       sqliteNow,
	bind:      func(int) string { return "?" },
	qualify: func(schema, table string) string {
		if schema == "" {
			return table
		}
		return schema + "_" + table
	},
	pickOne: func(table, where string) string {
		return fmt.Sprintf("SELECT id, json, error_text FROM %s WHERE %s ORDER BY id LIMIT 1", table, where)
	},
	insert: func(table string) string {
		return fmt.Sprintf("INSERT INTO %s (type, json) VALUES (?, ?) RETURNING id", table)
	},
	delayedTo: func(base time.Duration) string {
		return fmt.Sprintf("strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now', '+' || (%d * attempt / 1000.0) || ' seconds')", base.Milliseconds())
	},
	staleBefore: func(lag time.Duration) string {
		return fmt.Sprintf("strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now', '%.3f seconds')", -lag.Seconds())
	},
}

// DialectFor picks a dialect from a database/sql driver name. Unknown drivers
// get the Postgres dialect.
func DialectFor(driver string) Dialect {
	switch strings.ToLower(driver) {
	case "sqlserver", "mssql", "azuresql":
		return MSSQL
	case "sqlite3", "sqlite":
		return SQLite
	default:
		return Postgres
	}
}

func dotQualify(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}
