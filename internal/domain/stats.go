package domain

import "math"

// PassThreshold is the minimum average coverage counted as passing.
const PassThreshold = 100.0 * 0.9

// RoundScore normalizes a coverage score to two decimal places, matching the
// precision scores are persisted with.
func RoundScore(score float64) float64 {
	return math.Round(score*100) / 100
}

// ComputeUserStats derives per-user coverage statistics from the stories the
// user created. Stories without a score are excluded from the mean rather
// than counted as zero. A user with no scored stories averages 0 and is
// classified fail.
func ComputeUserStats(user User, stories []Story) UserStats {
	stats := UserStats{
		UserID:       user.ID,
		Username:     user.Username,
		TotalStories: len(stories),
	}

	stats.AverageCoverage = averageCoverage(stories)
	if stats.AverageCoverage >= PassThreshold {
		stats.Status = StatsStatusPass
	} else {
		stats.Status = StatsStatusFail
	}

	return stats
}

// ComputeTeamStats derives team-wide statistics from all stories plus the
// already-computed per-user stats.
func ComputeTeamStats(stories []Story, userStats []UserStats) TeamStats {
	stats := TeamStats{
		TotalStories:    len(stories),
		AverageCoverage: averageCoverage(stories),
	}

	for _, us := range userStats {
		if us.AverageCoverage < PassThreshold {
			stats.UsersBelow90++
		}
	}

	for _, story := range stories {
		if story.Status == StoryStatusPending {
			stats.PendingReviews++
		}
	}

	return stats
}

func averageCoverage(stories []Story) float64 {
	var sum float64
	var scored int
	for _, story := range stories {
		if story.CoverageScore == nil {
			continue
		}
		sum += *story.CoverageScore
		scored++
	}
	if scored == 0 {
		return 0
	}
	return RoundScore(sum / float64(scored))
}
