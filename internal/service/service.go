package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/dkhromov/qa-coverage-tracker/internal/auth"
	"github.com/dkhromov/qa-coverage-tracker/internal/domain"
	"github.com/dkhromov/qa-coverage-tracker/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameExists     = errors.New("username already exists")
	ErrStoryNotFound      = errors.New("story not found")
	ErrTicketExists       = errors.New("ticket already exists")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidScore       = errors.New("coverage score must be a number between 0 and 100")
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrForbidden carries one uniform message for every denial so responses
	// do not reveal whether the role or the resource relationship caused it.
	ErrForbidden = errors.New("operation not permitted")
)

// Storage is what the workflows need from the persistence layer. It is
// satisfied by *repository.Repository and by in-memory fakes in tests.
type Storage interface {
	RunInTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error

	CreateUser(ctx context.Context, user domain.User) (domain.User, error)
	GetUser(ctx context.Context, userID string) (domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)

	CreateStory(ctx context.Context, story domain.Story) (domain.Story, error)
	GetStory(ctx context.Context, storyID string) (domain.Story, error)
	GetStoryForUpdate(ctx context.Context, tx pgx.Tx, storyID string) (domain.Story, error)
	ListStories(ctx context.Context, filter domain.StoryFilter) ([]domain.Story, error)
	SetStoryReviewer(ctx context.Context, storyID, reviewerID string) error
	UpdateStoryCoverage(ctx context.Context, tx pgx.Tx, storyID string, score float64, comments *string, completedAt time.Time) error

	AppendCoverageHistory(ctx context.Context, tx pgx.Tx, rec domain.CoverageHistoryRecord) (domain.CoverageHistoryRecord, error)
	ListCoverageHistory(ctx context.Context, storyID string) ([]domain.CoverageHistoryRecord, error)
}

type Service struct {
	store  Storage
	tokens *auth.TokenManager
	now    func() time.Time
}

func New(store Storage, tokens *auth.TokenManager) *Service {
	return &Service{
		store:  store,
		tokens: tokens,
		now:    time.Now,
	}
}

func (s *Service) Register(ctx context.Context, username, password string, role domain.Role, firstName, lastName string) (domain.User, string, error) {
	if !role.Valid() {
		return domain.User{}, "", ErrInvalidRole
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", err
	}

	user, err := s.store.CreateUser(ctx, domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		FirstName:    firstName,
		LastName:     lastName,
	})
	if err != nil {
		if errors.Is(err, repository.ErrUsernameExists) {
			return domain.User{}, "", ErrUsernameExists
		}
		return domain.User{}, "", err
	}

	token, err := s.tokens.Issue(user, s.now().UTC())
	if err != nil {
		return domain.User{}, "", err
	}

	return user, token, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (domain.User, string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return domain.User{}, "", ErrInvalidCredentials
		}
		return domain.User{}, "", err
	}

	if !auth.CheckPassword(user.PasswordHash, password) {
		return domain.User{}, "", ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user, s.now().UTC())
	if err != nil {
		return domain.User{}, "", err
	}

	return user, token, nil
}

func (s *Service) CreateStory(ctx context.Context, acting auth.Identity, ticketID, title string) (domain.Story, error) {
	if !domain.CanCreateStory(acting.Role) {
		return domain.Story{}, ErrForbidden
	}

	story, err := s.store.CreateStory(ctx, domain.Story{
		ID:        uuid.NewString(),
		TicketID:  ticketID,
		Title:     title,
		CreatorID: acting.UserID,
		Status:    domain.StoryStatusPending,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTicketExists):
			return domain.Story{}, ErrTicketExists
		case errors.Is(err, repository.ErrUserNotFound):
			return domain.Story{}, ErrUserNotFound
		}
		return domain.Story{}, err
	}

	return story, nil
}

// AssignReviewer binds a reviewer to a story and advances it to in_review.
// The target user must exist but its role is deliberately not checked; the
// caller is trusted to offer only reviewers.
func (s *Service) AssignReviewer(ctx context.Context, acting auth.Identity, storyID, reviewerID string) (domain.Story, error) {
	if !domain.CanAssignReviewer(acting.Role) {
		return domain.Story{}, ErrForbidden
	}

	if _, err := s.store.GetUser(ctx, reviewerID); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return domain.Story{}, ErrUserNotFound
		}
		return domain.Story{}, err
	}

	if err := s.store.SetStoryReviewer(ctx, storyID, reviewerID); err != nil {
		switch {
		case errors.Is(err, repository.ErrStoryNotFound):
			return domain.Story{}, ErrStoryNotFound
		case errors.Is(err, repository.ErrUserNotFound):
			return domain.Story{}, ErrUserNotFound
		}
		return domain.Story{}, err
	}

	return s.getStory(ctx, storyID)
}

// UpdateCoverage records a new coverage score. The history append and story
// mutation are one transaction: the story row is locked first, so the audit
// record's previous score always matches what the mutation overwrote, and a
// failed precondition writes nothing.
func (s *Service) UpdateCoverage(ctx context.Context, acting auth.Identity, storyID string, score float64, comments *string) (domain.Story, error) {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return domain.Story{}, ErrInvalidScore
	}
	score = domain.RoundScore(score)
	if score < 0 || score > 100 {
		return domain.Story{}, ErrInvalidScore
	}

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		story, err := s.store.GetStoryForUpdate(ctx, tx, storyID)
		if err != nil {
			if errors.Is(err, repository.ErrStoryNotFound) {
				return ErrStoryNotFound
			}
			return err
		}

		if !domain.CanEditCoverage(acting.Role, story, acting.UserID) {
			return ErrForbidden
		}

		if _, err := s.store.AppendCoverageHistory(ctx, tx, domain.CoverageHistoryRecord{
			StoryID:       storyID,
			UpdatedBy:     acting.UserID,
			PreviousScore: story.CoverageScore,
			NewScore:      score,
			Comments:      comments,
		}); err != nil {
			return err
		}

		return s.store.UpdateStoryCoverage(ctx, tx, storyID, score, comments, s.now().UTC())
	})
	if err != nil {
		return domain.Story{}, err
	}

	return s.getStory(ctx, storyID)
}

func (s *Service) GetStory(ctx context.Context, storyID string) (domain.Story, []domain.CoverageHistoryRecord, error) {
	story, err := s.getStory(ctx, storyID)
	if err != nil {
		return domain.Story{}, nil, err
	}

	history, err := s.store.ListCoverageHistory(ctx, storyID)
	if err != nil {
		return domain.Story{}, nil, err
	}

	return story, history, nil
}

func (s *Service) ListStories(ctx context.Context, filter domain.StoryFilter) ([]domain.Story, error) {
	return s.store.ListStories(ctx, filter)
}

// UserStats computes coverage statistics for one user. Non-managers may only
// request their own.
func (s *Service) UserStats(ctx context.Context, acting auth.Identity, userID string) (domain.UserStats, error) {
	if acting.UserID != userID && !domain.CanViewTeamAnalytics(acting.Role) {
		return domain.UserStats{}, ErrForbidden
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return domain.UserStats{}, ErrUserNotFound
		}
		return domain.UserStats{}, err
	}

	stories, err := s.store.ListStories(ctx, domain.StoryFilter{CreatorID: userID})
	if err != nil {
		return domain.UserStats{}, err
	}

	return domain.ComputeUserStats(user, stories), nil
}

func (s *Service) TeamStats(ctx context.Context, acting auth.Identity) (domain.TeamStats, error) {
	if !domain.CanViewTeamAnalytics(acting.Role) {
		return domain.TeamStats{}, ErrForbidden
	}

	stories, userStats, err := s.snapshotStats(ctx)
	if err != nil {
		return domain.TeamStats{}, err
	}

	return domain.ComputeTeamStats(stories, userStats), nil
}

func (s *Service) ListUserStats(ctx context.Context, acting auth.Identity) ([]domain.UserStats, error) {
	if !domain.CanListAllUsers(acting.Role) {
		return nil, ErrForbidden
	}

	_, userStats, err := s.snapshotStats(ctx)
	if err != nil {
		return nil, err
	}

	return userStats, nil
}

// StorySnapshot returns every story for the manager-only CSV export.
func (s *Service) StorySnapshot(ctx context.Context, acting auth.Identity) ([]domain.Story, error) {
	if !domain.CanViewTeamAnalytics(acting.Role) {
		return nil, ErrForbidden
	}

	return s.store.ListStories(ctx, domain.StoryFilter{})
}

// snapshotStats reads fresh user and story snapshots and computes per-user
// stats by grouping stories by creator.
func (s *Service) snapshotStats(ctx context.Context) ([]domain.Story, []domain.UserStats, error) {
	stories, err := s.store.ListStories(ctx, domain.StoryFilter{})
	if err != nil {
		return nil, nil, err
	}

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, nil, err
	}

	byCreator := make(map[string][]domain.Story, len(users))
	for _, story := range stories {
		byCreator[story.CreatorID] = append(byCreator[story.CreatorID], story)
	}

	userStats := make([]domain.UserStats, 0, len(users))
	for _, user := range users {
		userStats = append(userStats, domain.ComputeUserStats(user, byCreator[user.ID]))
	}

	return stories, userStats, nil
}

func (s *Service) getStory(ctx context.Context, storyID string) (domain.Story, error) {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		if errors.Is(err, repository.ErrStoryNotFound) {
			return domain.Story{}, ErrStoryNotFound
		}
		return domain.Story{}, err
	}
	return story, nil
}
