package domain

// Access policy for story operations. Decisions are pure functions of the
// acting user's role and, for coverage edits, the story's assigned reviewer.
// Unknown roles are always denied.

func CanCreateStory(role Role) bool {
	switch role {
	case RoleManager, RoleEngineer:
		return true
	case RoleReviewer:
		return false
	}
	return false
}

func CanAssignReviewer(role Role) bool {
	return role == RoleManager
}

// CanEditCoverage permits managers unconditionally and reviewers only on
// stories they are assigned to. Engineers are denied even on their own
// stories.
func CanEditCoverage(role Role, story Story, actingUserID string) bool {
	switch role {
	case RoleManager:
		return true
	case RoleReviewer:
		return story.ReviewerID != nil && *story.ReviewerID == actingUserID
	case RoleEngineer:
		return false
	}
	return false
}

func CanViewTeamAnalytics(role Role) bool {
	return role == RoleManager
}

func CanListAllUsers(role Role) bool {
	return role == RoleManager
}
