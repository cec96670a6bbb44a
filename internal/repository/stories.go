package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkhromov/qa-coverage-tracker/internal/domain"
	"github.com/jackc/pgx/v5"
)

const storyColumns = `story_id, ticket_id, title, creator_id, reviewer_id,
	coverage_score, status, comments, date_completed, created_at, updated_at`

func (r *Repository) CreateStory(ctx context.Context, story domain.Story) (domain.Story, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO stories (story_id, ticket_id, title, creator_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, story.ID, story.TicketID, story.Title, story.CreatorID, string(story.Status)).
		Scan(&story.CreatedAt, &story.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Story{}, ErrTicketExists
		}
		if isForeignKeyViolation(err) {
			return domain.Story{}, ErrUserNotFound
		}
		return domain.Story{}, fmt.Errorf("insert story: %w", err)
	}

	return story, nil
}

func (r *Repository) GetStory(ctx context.Context, storyID string) (domain.Story, error) {
	return scanStory(r.pool.QueryRow(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE story_id = $1`, storyID))
}

// GetStoryForUpdate locks the story row for the duration of the transaction
// so a coverage update's history append and mutation cannot interleave with a
// concurrent update of the same story.
func (r *Repository) GetStoryForUpdate(ctx context.Context, tx pgx.Tx, storyID string) (domain.Story, error) {
	if tx == nil {
		return domain.Story{}, errTxRequired
	}

	return scanStory(tx.QueryRow(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE story_id = $1 FOR UPDATE`, storyID))
}

func scanStory(row pgx.Row) (domain.Story, error) {
	var story domain.Story
	var reviewerID, comments sql.NullString
	var score sql.NullFloat64
	var status string
	var completed sql.NullTime

	err := row.Scan(&story.ID, &story.TicketID, &story.Title, &story.CreatorID,
		&reviewerID, &score, &status, &comments, &completed, &story.CreatedAt, &story.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Story{}, ErrStoryNotFound
	}
	if err != nil {
		return domain.Story{}, fmt.Errorf("select story: %w", err)
	}

	story.Status = domain.StoryStatus(status)
	if reviewerID.Valid {
		id := reviewerID.String
		story.ReviewerID = &id
	}
	if score.Valid {
		v := score.Float64
		story.CoverageScore = &v
	}
	if comments.Valid {
		c := comments.String
		story.Comments = &c
	}
	if completed.Valid {
		t := completed.Time
		story.DateCompleted = &t
	}

	return story, nil
}

func (r *Repository) ListStories(ctx context.Context, filter domain.StoryFilter) ([]domain.Story, error) {
	query := `SELECT ` + storyColumns + ` FROM stories WHERE TRUE`
	args := []any{}

	if filter.CreatorID != "" {
		args = append(args, filter.CreatorID)
		query += fmt.Sprintf(" AND creator_id = $%d", len(args))
	}
	if filter.ReviewerID != "" {
		args = append(args, filter.ReviewerID)
		query += fmt.Sprintf(" AND reviewer_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select stories: %w", err)
	}
	defer rows.Close()

	var stories []domain.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, story)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stories: %w", err)
	}

	return stories, nil
}

func (r *Repository) SetStoryReviewer(ctx context.Context, storyID, reviewerID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE stories
		SET reviewer_id = $2,
		    status = $3,
		    updated_at = NOW()
		WHERE story_id = $1
	`, storyID, reviewerID, string(domain.StoryStatusInReview))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrUserNotFound
		}
		return fmt.Errorf("update story reviewer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoryNotFound
	}

	return nil
}

// UpdateStoryCoverage overwrites the current score and marks the story
// reviewed. A nil comments argument keeps the existing comments.
func (r *Repository) UpdateStoryCoverage(ctx context.Context, tx pgx.Tx, storyID string, score float64, comments *string, completedAt time.Time) error {
	if tx == nil {
		return errTxRequired
	}

	tag, err := tx.Exec(ctx, `
		UPDATE stories
		SET coverage_score = $2,
		    status = $3,
		    comments = COALESCE($4, comments),
		    date_completed = $5,
		    updated_at = NOW()
		WHERE story_id = $1
	`, storyID, score, string(domain.StoryStatusReviewed), comments, completedAt)
	if err != nil {
		return fmt.Errorf("update story coverage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoryNotFound
	}

	return nil
}
