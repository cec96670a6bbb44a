package httpserver

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dkhromov/qa-coverage-tracker/internal/auth"
	"github.com/dkhromov/qa-coverage-tracker/internal/domain"
	"github.com/dkhromov/qa-coverage-tracker/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type handler struct {
	svc    Service
	logger *zap.Logger
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		Role      string `json:"role"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" || req.Role == "" {
		writeValidationError(w, errors.New("username, password and role are required"))
		return
	}

	user, token, err := h.svc.Register(r.Context(), req.Username, req.Password,
		domain.Role(req.Role), req.FirstName, req.LastName)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"user":  mapUser(user),
		"token": token,
	})
}

func (h *handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeValidationError(w, errors.New("username and password are required"))
		return
	}

	user, token, err := h.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":  mapUser(user),
		"token": token,
	})
}

func (h *handler) handleStoryCreate(w http.ResponseWriter, r *http.Request) {
	acting, ok := identity(r.Context(), w)
	if !ok {
		return
	}

	var req struct {
		TicketID string `json:"ticket_id"`
		Title    string `json:"title"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if req.TicketID == "" || req.Title == "" {
		writeValidationError(w, errors.New("ticket_id and title are required"))
		return
	}

	story, err := h.svc.CreateStory(r.Context(), acting, req.TicketID, req.Title)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"story": mapStory(story),
	})
}

func (h *handler) handleStoryList(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(r.Context(), w); !ok {
		return
	}

	filter := domain.StoryFilter{
		CreatorID:  r.URL.Query().Get("creator_id"),
		ReviewerID: r.URL.Query().Get("reviewer_id"),
		Status:     domain.StoryStatus(r.URL.Query().Get("status")),
	}

	stories, err := h.svc.ListStories(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stories": mapStoryList(stories),
	})
}

func (h *handler) handleStoryGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(r.Context(), w); !ok {
		return
	}

	story, history, err := h.svc.GetStory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"story":   mapStory(story),
		"history": mapHistoryList(history),
	})
}

func (h *handler) handleStoryHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(r.Context(), w); !ok {
		return
	}

	_, history, err := h.svc.GetStory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"history": mapHistoryList(history),
	})
}

func (h *handler) handleStoryAssign(w http.ResponseWriter, r *http.Request) {
	acting, ok := identity(r.Context(), w)
	if !ok {
		return
	}

	var req struct {
		ReviewerID string `json:"reviewer_id"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if req.ReviewerID == "" {
		writeValidationError(w, errors.New("reviewer_id is required"))
		return
	}

	story, err := h.svc.AssignReviewer(r.Context(), acting, chi.URLParam(r, "id"), req.ReviewerID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"story": mapStory(story),
	})
}

func (h *handler) handleStoryCoverage(w http.ResponseWriter, r *http.Request) {
	acting, ok := identity(r.Context(), w)
	if !ok {
		return
	}

	var req struct {
		Score    *float64 `json:"coverage_score"`
		Comments *string  `json:"comments"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if req.Score == nil {
		writeValidationError(w, errors.New("coverage_score is required"))
		return
	}

	story, err := h.svc.UpdateCoverage(r.Context(), acting, chi.URLParam(r, "id"), *req.Score, req.Comments)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"story": mapStory(story),
	})
}

func (h *handler) handleUserStats(w http.ResponseWriter, r *http.Request) {
	acting, ok := identity(r.Context(), w)
	if !ok {
		return
	}

	stats, err := h.svc.UserStats(r.Context(), acting, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, mapUserStats(stats))
}

func (h *handler) handleTeamStats(w http.ResponseWriter, r *http.Request) {
	acting, ok := identity(r.Context(), w)
	if !ok {
		return
	}

	stats, err := h.svc.TeamStats(r.Context(), acting)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_stories":    stats.TotalStories,
		"average_coverage": stats.AverageCoverage,
		"users_below_90":   stats.UsersBelow90,
		"pending_reviews":  stats.PendingReviews,
	})
}

func (h *handler) handleUserStatsList(w http.ResponseWriter, r *http.Request) {
	acting, ok := identity(r.Context(), w)
	if !ok {
		return
	}

	statsList, err := h.svc.ListUserStats(r.Context(), acting)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	users := make([]map[string]any, 0, len(statsList))
	for _, stats := range statsList {
		users = append(users, mapUserStats(stats))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
	})
}

func (h *handler) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	acting, ok := identity(r.Context(), w)
	if !ok {
		return
	}

	stories, err := h.svc.StorySnapshot(r.Context(), acting)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="stories.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"ticket_id", "title", "creator_id", "reviewer_id", "coverage_score", "status", "date_completed"})
	for _, story := range stories {
		_ = cw.Write([]string{
			story.TicketID,
			story.Title,
			story.CreatorID,
			stringOrEmpty(story.ReviewerID),
			scoreOrEmpty(story.CoverageScore),
			string(story.Status),
			timeOrEmpty(story.DateCompleted),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Error("write csv", zap.Error(err))
	}
}

func identity(ctx context.Context, w http.ResponseWriter) (auth.Identity, bool) {
	id, ok := auth.IdentityFrom(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return auth.Identity{}, false
	}
	return id, true
}

func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	status, code := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("service error", zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func mapServiceError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidScore),
		errors.Is(err, service.ErrInvalidRole):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, service.ErrStoryNotFound),
		errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, service.ErrTicketExists),
		errors.Is(err, service.ErrUsernameExists):
		return http.StatusConflict, "CONFLICT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func mapUser(u domain.User) map[string]any {
	return map[string]any{
		"user_id":    u.ID,
		"username":   u.Username,
		"role":       string(u.Role),
		"first_name": u.FirstName,
		"last_name":  u.LastName,
	}
}

func mapStory(s domain.Story) map[string]any {
	resp := map[string]any{
		"story_id":   s.ID,
		"ticket_id":  s.TicketID,
		"title":      s.Title,
		"creator_id": s.CreatorID,
		"status":     string(s.Status),
	}
	if s.ReviewerID != nil {
		resp["reviewer_id"] = *s.ReviewerID
	}
	if s.CoverageScore != nil {
		resp["coverage_score"] = *s.CoverageScore
	}
	if s.Comments != nil {
		resp["comments"] = *s.Comments
	}
	if s.DateCompleted != nil {
		resp["date_completed"] = formatTime(*s.DateCompleted)
	}
	if !s.CreatedAt.IsZero() {
		resp["created_at"] = formatTime(s.CreatedAt)
	}
	return resp
}

func mapStoryList(stories []domain.Story) []map[string]any {
	result := make([]map[string]any, 0, len(stories))
	for _, s := range stories {
		result = append(result, mapStory(s))
	}
	return result
}

func mapHistoryList(records []domain.CoverageHistoryRecord) []map[string]any {
	result := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		entry := map[string]any{
			"history_id": rec.ID,
			"story_id":   rec.StoryID,
			"updated_by": rec.UpdatedBy,
			"new_score":  rec.NewScore,
			"created_at": formatTime(rec.CreatedAt),
		}
		if rec.PreviousScore != nil {
			entry["previous_score"] = *rec.PreviousScore
		}
		if rec.Comments != nil {
			entry["comments"] = *rec.Comments
		}
		result = append(result, entry)
	}
	return result
}

func mapUserStats(stats domain.UserStats) map[string]any {
	return map[string]any{
		"user_id":          stats.UserID,
		"username":         stats.Username,
		"total_stories":    stats.TotalStories,
		"average_coverage": stats.AverageCoverage,
		"status":           string(stats.Status),
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scoreOrEmpty(score *float64) string {
	if score == nil {
		return ""
	}
	return strconv.FormatFloat(*score, 'f', 2, 64)
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra JSON input")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func writeValidationError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
}
