package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dkhromov/qa-coverage-tracker/internal/domain"
	"github.com/jackc/pgx/v5"
)

// AppendCoverageHistory writes one audit record. Records are never updated or
// deleted afterwards.
func (r *Repository) AppendCoverageHistory(ctx context.Context, tx pgx.Tx, rec domain.CoverageHistoryRecord) (domain.CoverageHistoryRecord, error) {
	if tx == nil {
		return domain.CoverageHistoryRecord{}, errTxRequired
	}

	err := tx.QueryRow(ctx, `
		INSERT INTO coverage_history (story_id, updated_by, previous_score, new_score, comments)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING history_id, created_at
	`, rec.StoryID, rec.UpdatedBy, rec.PreviousScore, rec.NewScore, rec.Comments).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.CoverageHistoryRecord{}, ErrStoryNotFound
		}
		return domain.CoverageHistoryRecord{}, fmt.Errorf("insert coverage history: %w", err)
	}

	return rec, nil
}

func (r *Repository) ListCoverageHistory(ctx context.Context, storyID string) ([]domain.CoverageHistoryRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT history_id, story_id, updated_by, previous_score, new_score, comments, created_at
		FROM coverage_history
		WHERE story_id = $1
		ORDER BY created_at DESC, history_id DESC
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("select coverage history: %w", err)
	}
	defer rows.Close()

	var records []domain.CoverageHistoryRecord
	for rows.Next() {
		var rec domain.CoverageHistoryRecord
		var prev sql.NullFloat64
		var comments sql.NullString
		if err := rows.Scan(&rec.ID, &rec.StoryID, &rec.UpdatedBy, &prev, &rec.NewScore, &comments, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan coverage history: %w", err)
		}
		if prev.Valid {
			v := prev.Float64
			rec.PreviousScore = &v
		}
		if comments.Valid {
			c := comments.String
			rec.Comments = &c
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate coverage history: %w", err)
	}

	return records, nil
}
