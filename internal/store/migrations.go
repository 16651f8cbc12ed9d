package store

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type migrationData struct {
	Schema string
	Table  string
	Prefix string
	Now    string
}

// renderMigration expands the dialect's DDL template and splits it into
// single statements; some engines refuse multi-statement batches for DDL.
func renderMigration(d Dialect, schema, table string) ([]string, error) {
	content, err := migrationFiles.ReadFile("migrations/" + d.Migration)
	if err != nil {
		return nil, fmt.Errorf("read migration %s: %w", d.Migration, err)
	}
	tmpl, err := template.New(d.Migration).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse migration %s: %w", d.Migration, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, migrationData{
		Schema: schema,
		Table:  table,
		Prefix: strings.ReplaceAll(table, ".", "_"),
		Now:    d.Now,
	}); err != nil {
		return nil, fmt.Errorf("render migration %s: %w", d.Migration, err)
	}

	var stmts []string
	for _, part := range strings.Split(buf.String(), ";\n") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, strings.TrimSuffix(stmt, ";"))
		}
	}
	return stmts, nil
}

// Init provisions the task table and its indexes. It is idempotent.
func (s *SQLStore) Init(ctx context.Context) error {
	stmts, err := renderMigration(s.dialect, s.opts.Schema, s.table)
	if err != nil {
		return err
	}
	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration %s statement %d: %w", s.dialect.Migration, i+1, err)
		}
	}
	return nil
}
