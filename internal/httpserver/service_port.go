package httpserver

import (
	"context"

	"github.com/dkhromov/qa-coverage-tracker/internal/auth"
	"github.com/dkhromov/qa-coverage-tracker/internal/domain"
)

type Service interface {
	Register(ctx context.Context, username, password string, role domain.Role, firstName, lastName string) (domain.User, string, error)
	Login(ctx context.Context, username, password string) (domain.User, string, error)
	CreateStory(ctx context.Context, acting auth.Identity, ticketID, title string) (domain.Story, error)
	AssignReviewer(ctx context.Context, acting auth.Identity, storyID, reviewerID string) (domain.Story, error)
	UpdateCoverage(ctx context.Context, acting auth.Identity, storyID string, score float64, comments *string) (domain.Story, error)
	GetStory(ctx context.Context, storyID string) (domain.Story, []domain.CoverageHistoryRecord, error)
	ListStories(ctx context.Context, filter domain.StoryFilter) ([]domain.Story, error)
	UserStats(ctx context.Context, acting auth.Identity, userID string) (domain.UserStats, error)
	TeamStats(ctx context.Context, acting auth.Identity) (domain.TeamStats, error)
	ListUserStats(ctx context.Context, acting auth.Identity) ([]domain.UserStats, error)
	StorySnapshot(ctx context.Context, acting auth.Identity) ([]domain.Story, error)
}
