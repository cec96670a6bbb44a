package domain

import "time"

type Role string

const (
	RoleManager  Role = "manager"
	RoleEngineer Role = "engineer"
	RoleReviewer Role = "reviewer"
)

// Valid reports whether the role is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleManager, RoleEngineer, RoleReviewer:
		return true
	}
	return false
}

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	FirstName    string
	LastName     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type StoryStatus string

const (
	StoryStatusPending  StoryStatus = "pending"
	StoryStatusInReview StoryStatus = "in_review"
	StoryStatusReviewed StoryStatus = "reviewed"
)

type Story struct {
	ID            string
	TicketID      string
	Title         string
	CreatorID     string
	ReviewerID    *string
	CoverageScore *float64
	Status        StoryStatus
	Comments      *string
	DateCompleted *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CoverageHistoryRecord is an append-only audit entry written on every
// coverage update. PreviousScore is nil for the first update of a story.
type CoverageHistoryRecord struct {
	ID            int64
	StoryID       string
	UpdatedBy     string
	PreviousScore *float64
	NewScore      float64
	Comments      *string
	CreatedAt     time.Time
}

type StatsStatus string

const (
	StatsStatusPass StatsStatus = "pass"
	StatsStatusFail StatsStatus = "fail"
)

type UserStats struct {
	UserID          string
	Username        string
	TotalStories    int
	AverageCoverage float64
	Status          StatsStatus
}

type TeamStats struct {
	TotalStories    int
	AverageCoverage float64
	UsersBelow90    int
	PendingReviews  int
}

// StoryFilter narrows story listings. Zero-value fields are ignored.
type StoryFilter struct {
	CreatorID  string
	ReviewerID string
	Status     StoryStatus
}
