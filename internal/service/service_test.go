package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dkhromov/qa-coverage-tracker/internal/auth"
	"github.com/dkhromov/qa-coverage-tracker/internal/domain"
	"github.com/dkhromov/qa-coverage-tracker/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Storage. RunInTx just invokes the callback; the
// tx argument is ignored by every fake method.
type fakeStore struct {
	mu      sync.Mutex
	users   map[string]domain.User
	stories map[string]domain.Story
	history []domain.CoverageHistoryRecord
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]domain.User),
		stories: make(map[string]domain.Story),
	}
}

func (f *fakeStore) RunInTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return fn(ctx, nil)
}

func (f *fakeStore) CreateUser(_ context.Context, user domain.User) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == user.Username {
			return domain.User{}, repository.ErrUsernameExists
		}
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return domain.User{}, repository.ErrUserNotFound
	}
	return user, nil
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return domain.User{}, repository.ErrUserNotFound
}

func (f *fakeStore) ListUsers(_ context.Context) ([]domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]domain.User, 0, len(f.users))
	for _, u := range f.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (f *fakeStore) CreateStory(_ context.Context, story domain.Story) (domain.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stories {
		if s.TicketID == story.TicketID {
			return domain.Story{}, repository.ErrTicketExists
		}
	}
	if _, ok := f.users[story.CreatorID]; !ok {
		return domain.Story{}, repository.ErrUserNotFound
	}
	story.CreatedAt = time.Now()
	story.UpdatedAt = story.CreatedAt
	f.stories[story.ID] = story
	return story, nil
}

func (f *fakeStore) GetStory(_ context.Context, storyID string) (domain.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	story, ok := f.stories[storyID]
	if !ok {
		return domain.Story{}, repository.ErrStoryNotFound
	}
	return story, nil
}

func (f *fakeStore) GetStoryForUpdate(ctx context.Context, _ pgx.Tx, storyID string) (domain.Story, error) {
	return f.GetStory(ctx, storyID)
}

func (f *fakeStore) ListStories(_ context.Context, filter domain.StoryFilter) ([]domain.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stories []domain.Story
	for _, s := range f.stories {
		if filter.CreatorID != "" && s.CreatorID != filter.CreatorID {
			continue
		}
		if filter.ReviewerID != "" && (s.ReviewerID == nil || *s.ReviewerID != filter.ReviewerID) {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		stories = append(stories, s)
	}
	sort.Slice(stories, func(i, j int) bool { return stories[i].ID < stories[j].ID })
	return stories, nil
}

func (f *fakeStore) SetStoryReviewer(_ context.Context, storyID, reviewerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	story, ok := f.stories[storyID]
	if !ok {
		return repository.ErrStoryNotFound
	}
	if _, ok := f.users[reviewerID]; !ok {
		return repository.ErrUserNotFound
	}
	story.ReviewerID = &reviewerID
	story.Status = domain.StoryStatusInReview
	story.UpdatedAt = time.Now()
	f.stories[storyID] = story
	return nil
}

func (f *fakeStore) UpdateStoryCoverage(_ context.Context, _ pgx.Tx, storyID string, score float64, comments *string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	story, ok := f.stories[storyID]
	if !ok {
		return repository.ErrStoryNotFound
	}
	story.CoverageScore = &score
	story.Status = domain.StoryStatusReviewed
	if comments != nil {
		story.Comments = comments
	}
	story.DateCompleted = &completedAt
	story.UpdatedAt = time.Now()
	f.stories[storyID] = story
	return nil
}

func (f *fakeStore) AppendCoverageHistory(_ context.Context, _ pgx.Tx, rec domain.CoverageHistoryRecord) (domain.CoverageHistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.stories[rec.StoryID]; !ok {
		return domain.CoverageHistoryRecord{}, repository.ErrStoryNotFound
	}
	f.nextID++
	rec.ID = f.nextID
	rec.CreatedAt = time.Now()
	f.history = append(f.history, rec)
	return rec, nil
}

func (f *fakeStore) ListCoverageHistory(_ context.Context, storyID string) ([]domain.CoverageHistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var records []domain.CoverageHistoryRecord
	for i := len(f.history) - 1; i >= 0; i-- {
		if f.history[i].StoryID == storyID {
			records = append(records, f.history[i])
		}
	}
	return records, nil
}

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	return New(store, auth.NewTokenManager("test-secret", time.Hour)), store
}

func seedUser(t *testing.T, store *fakeStore, id string, role domain.Role) auth.Identity {
	t.Helper()
	_, err := store.CreateUser(context.Background(), domain.User{
		ID:       id,
		Username: id,
		Role:     role,
	})
	require.NoError(t, err)
	return auth.Identity{UserID: id, Role: role}
}

func seedStory(t *testing.T, svc *Service, creator auth.Identity, ticketID string) domain.Story {
	t.Helper()
	story, err := svc.CreateStory(context.Background(), creator, ticketID, "story "+ticketID)
	require.NoError(t, err)
	return story
}

func strPtr(s string) *string { return &s }

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, token, err := svc.Register(ctx, "alice", "pw123", domain.RoleEngineer, "Alice", "Smith")
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.NotEmpty(t, token)

	_, _, err = svc.Register(ctx, "alice", "other", domain.RoleReviewer, "", "")
	assert.ErrorIs(t, err, ErrUsernameExists)

	_, _, err = svc.Register(ctx, "bob", "pw", domain.Role("admin"), "", "")
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, token, err = svc.Login(ctx, "alice", "pw123")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, _, err = svc.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "nobody", "pw123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestCreateStory(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	engineer := seedUser(t, store, "eng", domain.RoleEngineer)
	reviewer := seedUser(t, store, "rev", domain.RoleReviewer)

	story, err := svc.CreateStory(ctx, engineer, "QA-1", "login flow")
	require.NoError(t, err)
	assert.Equal(t, domain.StoryStatusPending, story.Status)
	assert.Nil(t, story.ReviewerID)
	assert.Nil(t, story.CoverageScore)

	_, err = svc.CreateStory(ctx, engineer, "QA-1", "duplicate ticket")
	assert.ErrorIs(t, err, ErrTicketExists)

	_, err = svc.CreateStory(ctx, reviewer, "QA-2", "reviewers cannot create")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAssignReviewer(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	manager := seedUser(t, store, "mgr", domain.RoleManager)
	engineer := seedUser(t, store, "eng", domain.RoleEngineer)
	seedUser(t, store, "rev", domain.RoleReviewer)
	story := seedStory(t, svc, engineer, "QA-1")

	updated, err := svc.AssignReviewer(ctx, manager, story.ID, "rev")
	require.NoError(t, err)
	assert.Equal(t, domain.StoryStatusInReview, updated.Status)
	require.NotNil(t, updated.ReviewerID)
	assert.Equal(t, "rev", *updated.ReviewerID)

	_, err = svc.AssignReviewer(ctx, engineer, story.ID, "rev")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.AssignReviewer(ctx, manager, "missing", "rev")
	assert.ErrorIs(t, err, ErrStoryNotFound)

	_, err = svc.AssignReviewer(ctx, manager, story.ID, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpdateCoverageLifecycle(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	manager := seedUser(t, store, "mgr", domain.RoleManager)
	engineer := seedUser(t, store, "eng", domain.RoleEngineer)
	reviewer := seedUser(t, store, "rev", domain.RoleReviewer)
	story := seedStory(t, svc, engineer, "QA-1")

	_, err := svc.AssignReviewer(ctx, manager, story.ID, reviewer.UserID)
	require.NoError(t, err)

	updated, err := svc.UpdateCoverage(ctx, reviewer, story.ID, 85, strPtr("needs more edge cases"))
	require.NoError(t, err)
	assert.Equal(t, domain.StoryStatusReviewed, updated.Status)
	require.NotNil(t, updated.CoverageScore)
	assert.Equal(t, 85.0, *updated.CoverageScore)
	require.NotNil(t, updated.Comments)
	assert.Equal(t, "needs more edge cases", *updated.Comments)
	require.NotNil(t, updated.DateCompleted)

	// Second update without comments: score overwritten, comments preserved.
	updated, err = svc.UpdateCoverage(ctx, manager, story.ID, 95, nil)
	require.NoError(t, err)
	assert.Equal(t, 95.0, *updated.CoverageScore)
	assert.Equal(t, "needs more edge cases", *updated.Comments)
	// Status stays reviewed even though it was already reviewed.
	assert.Equal(t, domain.StoryStatusReviewed, updated.Status)

	history, err := store.ListCoverageHistory(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Newest first: the second update chains off the first's score.
	assert.Equal(t, 95.0, history[0].NewScore)
	require.NotNil(t, history[0].PreviousScore)
	assert.Equal(t, 85.0, *history[0].PreviousScore)
	assert.Equal(t, manager.UserID, history[0].UpdatedBy)

	assert.Equal(t, 85.0, history[1].NewScore)
	assert.Nil(t, history[1].PreviousScore)
	assert.Equal(t, reviewer.UserID, history[1].UpdatedBy)
}

func TestUpdateCoverageInvalidScore(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	manager := seedUser(t, store, "mgr", domain.RoleManager)
	story := seedStory(t, svc, manager, "QA-1")

	for _, score := range []float64{-1, 101, -0.01, 100.01} {
		_, err := svc.UpdateCoverage(ctx, manager, story.ID, score, nil)
		assert.ErrorIs(t, err, ErrInvalidScore, "score %v", score)
	}

	history, err := store.ListCoverageHistory(ctx, story.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	current, err := store.GetStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Nil(t, current.CoverageScore)
	assert.Equal(t, domain.StoryStatusPending, current.Status)
}

func TestUpdateCoverageRoundsScore(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	manager := seedUser(t, store, "mgr", domain.RoleManager)
	story := seedStory(t, svc, manager, "QA-1")

	updated, err := svc.UpdateCoverage(ctx, manager, story.ID, 85.456, nil)
	require.NoError(t, err)
	assert.Equal(t, 85.46, *updated.CoverageScore)

	// Rounding happens before the range check.
	updated, err = svc.UpdateCoverage(ctx, manager, story.ID, 100.004, nil)
	require.NoError(t, err)
	assert.Equal(t, 100.0, *updated.CoverageScore)
}

func TestUpdateCoverageUnassignedReviewerForbidden(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	manager := seedUser(t, store, "mgr", domain.RoleManager)
	engineer := seedUser(t, store, "eng", domain.RoleEngineer)
	assigned := seedUser(t, store, "rev1", domain.RoleReviewer)
	other := seedUser(t, store, "rev2", domain.RoleReviewer)

	storyA := seedStory(t, svc, engineer, "QA-1")
	storyB := seedStory(t, svc, engineer, "QA-2")
	_, err := svc.AssignReviewer(ctx, manager, storyA.ID, assigned.UserID)
	require.NoError(t, err)
	_, err = svc.AssignReviewer(ctx, manager, storyB.ID, other.UserID)
	require.NoError(t, err)

	// rev2 is assigned to storyB but may not touch storyA.
	_, err = svc.UpdateCoverage(ctx, other, storyA.ID, 90, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	// The creator cannot score their own story either.
	_, err = svc.UpdateCoverage(ctx, engineer, storyA.ID, 90, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	history, err := store.ListCoverageHistory(ctx, storyA.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestUpdateCoverageNotFound(t *testing.T) {
	svc, store := newTestService(t)
	manager := seedUser(t, store, "mgr", domain.RoleManager)

	_, err := svc.UpdateCoverage(context.Background(), manager, "missing", 90, nil)
	assert.ErrorIs(t, err, ErrStoryNotFound)
}

func TestUserStats(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	manager := seedUser(t, store, "mgr", domain.RoleManager)
	engineer := seedUser(t, store, "eng", domain.RoleEngineer)
	other := seedUser(t, store, "eng2", domain.RoleEngineer)
	reviewer := seedUser(t, store, "rev", domain.RoleReviewer)

	for i, score := range []float64{95, 89} {
		story := seedStory(t, svc, engineer, "QA-"+string(rune('1'+i)))
		_, err := svc.AssignReviewer(ctx, manager, story.ID, reviewer.UserID)
		require.NoError(t, err)
		_, err = svc.UpdateCoverage(ctx, reviewer, story.ID, score, nil)
		require.NoError(t, err)
	}

	stats, err := svc.UserStats(ctx, engineer, engineer.UserID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalStories)
	assert.Equal(t, 92.0, stats.AverageCoverage)
	assert.Equal(t, domain.StatsStatusPass, stats.Status)

	// Managers may read anyone's stats; other engineers may not.
	_, err = svc.UserStats(ctx, manager, engineer.UserID)
	require.NoError(t, err)
	_, err = svc.UserStats(ctx, other, engineer.UserID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.UserStats(ctx, manager, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)

	empty, err := svc.UserStats(ctx, other, other.UserID)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalStories)
	assert.Equal(t, 0.0, empty.AverageCoverage)
	assert.Equal(t, domain.StatsStatusFail, empty.Status)
}

func TestTeamStats(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	manager := seedUser(t, store, "mgr", domain.RoleManager)
	engA := seedUser(t, store, "engA", domain.RoleEngineer)
	engB := seedUser(t, store, "engB", domain.RoleEngineer)
	seedUser(t, store, "engC", domain.RoleEngineer)

	storyA := seedStory(t, svc, engA, "QA-1")
	_, err := svc.UpdateCoverage(ctx, manager, storyA.ID, 95, nil)
	require.NoError(t, err)

	storyB := seedStory(t, svc, engB, "QA-2")
	_, err = svc.UpdateCoverage(ctx, manager, storyB.ID, 80, nil)
	require.NoError(t, err)

	seedStory(t, svc, engA, "QA-3") // stays pending

	stats, err := svc.TeamStats(ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalStories)
	assert.Equal(t, 87.5, stats.AverageCoverage)
	// engB averages 80, engC has no stories; the manager has none either.
	assert.Equal(t, 3, stats.UsersBelow90)
	assert.Equal(t, 1, stats.PendingReviews)

	_, err = svc.TeamStats(ctx, engA)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.ListUserStats(ctx, engA)
	assert.ErrorIs(t, err, ErrForbidden)

	userStats, err := svc.ListUserStats(ctx, manager)
	require.NoError(t, err)
	assert.Len(t, userStats, 4)
}

func TestStorySnapshot(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	manager := seedUser(t, store, "mgr", domain.RoleManager)
	engineer := seedUser(t, store, "eng", domain.RoleEngineer)
	seedStory(t, svc, engineer, "QA-1")
	seedStory(t, svc, engineer, "QA-2")

	stories, err := svc.StorySnapshot(ctx, manager)
	require.NoError(t, err)
	assert.Len(t, stories, 2)

	_, err = svc.StorySnapshot(ctx, engineer)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestListStoriesFilter(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	manager := seedUser(t, store, "mgr", domain.RoleManager)
	engA := seedUser(t, store, "engA", domain.RoleEngineer)
	engB := seedUser(t, store, "engB", domain.RoleEngineer)
	reviewer := seedUser(t, store, "rev", domain.RoleReviewer)

	storyA := seedStory(t, svc, engA, "QA-1")
	seedStory(t, svc, engB, "QA-2")
	_, err := svc.AssignReviewer(ctx, manager, storyA.ID, reviewer.UserID)
	require.NoError(t, err)

	byCreator, err := svc.ListStories(ctx, domain.StoryFilter{CreatorID: engA.UserID})
	require.NoError(t, err)
	require.Len(t, byCreator, 1)
	assert.Equal(t, "QA-1", byCreator[0].TicketID)

	byReviewer, err := svc.ListStories(ctx, domain.StoryFilter{ReviewerID: reviewer.UserID})
	require.NoError(t, err)
	require.Len(t, byReviewer, 1)

	pending, err := svc.ListStories(ctx, domain.StoryFilter{Status: domain.StoryStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "QA-2", pending[0].TicketID)
}
