package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/lucianasi/C4Audit/internal/model"
)

// ReplaceAuditIssues deletes the stored issues of the report's audit and
// inserts the current ones with their links, in one transaction.
func (s *Store) ReplaceAuditIssues(ctx context.Context, rep *model.AuditReport) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM audit_issues WHERE audit_id=$1`, rep.AuditID); err != nil {
		return err
	}
	if err := batchInsertIssues(ctx, tx, rep.AuditID, rep.Issues); err != nil {
		return fmt.Errorf("batch insert issues: %w", err)
	}
	return tx.Commit(ctx)
}

// batchInsertIssues pipelines the inserts with pgx.Batch because the row ids
// are needed for the links.
func batchInsertIssues(ctx context.Context, tx pgx.Tx, auditID string, issues []model.Issue) error {
	for start := 0; start < len(issues); start += batchSize {
		end := min(start+batchSize, len(issues))
		chunk := issues[start:end]

		batch := &pgx.Batch{}
		for i, is := range chunk {
			batch.Queue(`
INSERT INTO audit_issues (audit_id, ord, issue_id, severity, title, description)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
				auditID, start+i, is.IssueID, string(is.Severity), is.Title, is.Description)
		}

		br := tx.SendBatch(ctx, batch)
		rowIDs := make([]int64, 0, len(chunk))
		for range chunk {
			var id int64
			if err := br.QueryRow().Scan(&id); err != nil {
				_ = br.Close()
				return err
			}
			rowIDs = append(rowIDs, id)
		}
		if err := br.Close(); err != nil {
			return err
		}

		if err := batchInsertLinks(ctx, tx, chunk, rowIDs); err != nil {
			return err
		}
	}
	return nil
}

func batchInsertLinks(ctx context.Context, tx pgx.Tx, issues []model.Issue, rowIDs []int64) error {
	batch := &pgx.Batch{}
	count := 0
	for i, is := range issues {
		for _, link := range is.VulnerableCodeLinks {
			if link == "" {
				continue
			}
			batch.Queue(`
INSERT INTO audit_issue_links (issue_row_id, url)
VALUES ($1, $2)
ON CONFLICT (issue_row_id, url) DO NOTHING`, rowIDs[i], link)
			count++
		}
	}
	if count == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < count; i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

// ReplaceFunctionMetrics swaps the lizard rows stored for auditID.
func (s *Store) ReplaceFunctionMetrics(ctx context.Context, auditID string, rows []model.FunctionMetric) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM function_metrics WHERE audit_id=$1`, auditID); err != nil {
		return err
	}
	const cols = `audit_id, file, function_name, signature, location, nloc, ccn, token_count, param_count, length, line_start, line_end`
	err = insertMultiValue(ctx, tx, "function_metrics", cols, 12, len(rows), "", func(i int) []any {
		m := rows[i]
		return []any{
			auditID, m.File, m.FunctionName, nullableString(m.Signature), nullableString(m.Location),
			m.NLOC, m.CCN, m.TokenCount, m.ParameterCount, m.Length, m.StartLine, m.EndLine,
		}
	})
	if err != nil {
		return fmt.Errorf("batch insert function metrics: %w", err)
	}
	return tx.Commit(ctx)
}

// ReplaceFileClassifications swaps the classified files stored for auditID.
// Duplicate paths keep the first occurrence.
func (s *Store) ReplaceFileClassifications(ctx context.Context, auditID string, files []model.ClassifiedFile) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM file_classifications WHERE audit_id=$1`, auditID); err != nil {
		return err
	}

	seen := map[string]struct{}{}
	dedup := make([]model.ClassifiedFile, 0, len(files))
	for _, f := range files {
		if f.File == "" {
			continue
		}
		if _, ok := seen[f.File]; ok {
			continue
		}
		seen[f.File] = struct{}{}
		dedup = append(dedup, f)
	}

	err = insertMultiValue(ctx, tx, "file_classifications", "audit_id, file, nloc, source_class", 4, len(dedup), `
ON CONFLICT (audit_id, file) DO UPDATE SET
  nloc = EXCLUDED.nloc,
  source_class = EXCLUDED.source_class`, func(i int) []any {
		f := dedup[i]
		return []any{auditID, f.File, f.NLOC, string(f.Source)}
	})
	if err != nil {
		return fmt.Errorf("batch insert file classifications: %w", err)
	}
	return tx.Commit(ctx)
}

// insertMultiValue inserts n rows in groups of batchSize using multi-value
// INSERT statements. row returns the colCount arguments of row i.
func insertMultiValue(ctx context.Context, tx pgx.Tx, table, columns string, colCount, n int, suffix string, row func(i int) []any) error {
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)

		var sb strings.Builder
		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, columns)
		args := make([]any, 0, (end-start)*colCount)
		for i := start; i < end; i++ {
			if i > start {
				sb.WriteString(", ")
			}
			base := (i-start)*colCount + 1
			sb.WriteByte('(')
			for c := 0; c < colCount; c++ {
				if c > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "$%d", base+c)
			}
			sb.WriteByte(')')
			args = append(args, row(i)...)
		}
		sb.WriteString(suffix)

		if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
			return err
		}
	}
	return nil
}
