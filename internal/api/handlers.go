package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matthewjhunter/courier/internal/feeds"
	"github.com/matthewjhunter/courier/internal/quota"
	"github.com/matthewjhunter/courier/internal/result"
	"github.com/matthewjhunter/courier/internal/storage"
)

func (s *Server) health(c *gin.Context) {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(c.Request.Context()); err != nil {
			s.logger.Error("Health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": s.opts.Now().UTC()})
}

// --- quota ---

func (s *Server) getQuota(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	respond(s, c, s.deps.Ledger.Quota(c.Request.Context(), userID), http.StatusOK)
}

func (s *Server) quotaHistory(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	days, ok := s.queryInt(c, "days", 0)
	if !ok {
		return
	}
	respond(s, c, s.deps.Ledger.History(c.Request.Context(), userID, days), http.StatusOK)
}

type attemptRequest struct {
	Kind string `json:"kind" binding:"required"`
}

// attemptFetch consumes one unit of quota. A denial answers 429 with the
// quota snapshot so clients can show when fetching becomes possible again.
func (s *Server) attemptFetch(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	var req attemptRequest
	if !s.bindJSON(c, &req) {
		return
	}
	r := s.deps.Ledger.Attempt(c.Request.Context(), userID, req.Kind)
	if r.Kind == result.KindDenied && !r.IsInvalid() {
		c.JSON(http.StatusTooManyRequests, r.Value)
		return
	}
	respond(s, c, r, http.StatusOK)
}

type resultRequest struct {
	Kind    string `json:"kind" binding:"required"`
	Success *bool  `json:"success" binding:"required"`
}

func (s *Server) recordResult(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	var req resultRequest
	if !s.bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	r := s.deps.Ledger.RecordResult(ctx, userID, req.Kind, *req.Success)
	if !r.IsOk() {
		respond(s, c, r, http.StatusOK)
		return
	}
	respond(s, c, s.deps.Ledger.Quota(ctx, userID), http.StatusOK)
}

// --- fetch config ---

func (s *Server) getFetchConfig(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	respond(s, c, s.deps.Configs.Get(c.Request.Context(), userID), http.StatusOK)
}

func (s *Server) updateFetchConfig(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	var req quota.ConfigUpdate
	if !s.bindJSON(c, &req) {
		return
	}
	respond(s, c, s.deps.Configs.Update(c.Request.Context(), userID, req), http.StatusOK)
}

func (s *Server) disableFetchConfig(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	respond(s, c, s.deps.Configs.Disable(c.Request.Context(), userID), http.StatusOK)
}

// --- contents ---

// createContent deduplicates one normalized entry. New content answers 201,
// an existing match 200.
func (s *Server) createContent(c *gin.Context) {
	var entry feeds.Entry
	if !s.bindJSON(c, &entry) {
		return
	}
	if entry.Platform == "" {
		entry.Platform = feeds.DetectPlatform(entry.Link)
	}
	if entry.ContentType == "" {
		entry.ContentType = feeds.ContentTypeFor(entry.Media)
	}
	r := s.deps.Dedup.FindOrCreate(c.Request.Context(), entry)
	status := http.StatusOK
	if r.IsOk() && r.Value.IsNew {
		status = http.StatusCreated
	}
	respond(s, c, r, status)
}

func (s *Server) getContent(c *gin.Context) {
	id, ok := s.pathID(c, "contentID")
	if !ok {
		return
	}
	content, err := s.deps.Contents.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(c, http.StatusNotFound, result.KindNotFound, "content not found", err)
	case err != nil:
		s.writeError(c, http.StatusServiceUnavailable, result.KindTransient, "", err)
	default:
		c.JSON(http.StatusOK, content)
	}
}

// --- relations ---

func (s *Server) listRelations(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	var filter storage.RelationFilter
	if filter.UnreadOnly, ok = s.queryBool(c, "unread"); !ok {
		return
	}
	if filter.FavoritedOnly, ok = s.queryBool(c, "favorited"); !ok {
		return
	}
	if filter.Limit, ok = s.queryInt(c, "limit", 50); !ok {
		return
	}
	if filter.Offset, ok = s.queryInt(c, "offset", 0); !ok {
		return
	}
	respond(s, c, s.deps.Relations.ListVisible(c.Request.Context(), userID, filter), http.StatusOK)
}

type relationRequest struct {
	ContentID      int64 `json:"content_id" binding:"required"`
	SubscriptionID int64 `json:"subscription_id" binding:"required"`
	TTLHours       int   `json:"ttl_hours"`
}

func (s *Server) createRelation(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	var req relationRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if req.TTLHours < 0 {
		s.badRequest(c, "ttl_hours must not be negative")
		return
	}
	if maxHours := int(s.deps.Relations.MaxExtension() / time.Hour); req.TTLHours > maxHours {
		s.badRequest(c, "ttl_hours must be at most %d", maxHours)
		return
	}
	r := s.deps.Relations.CreateOrRefresh(c.Request.Context(), userID, req.ContentID, req.SubscriptionID,
		time.Duration(req.TTLHours)*time.Hour)
	respond(s, c, result.Map(r, func(id int64) gin.H { return gin.H{"relation_id": id} }), http.StatusOK)
}

func (s *Server) relationStats(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	respond(s, c, s.deps.Relations.Stats(c.Request.Context(), userID), http.StatusOK)
}

func (s *Server) updateRelation(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	contentID, ok := s.pathID(c, "contentID")
	if !ok {
		return
	}
	var patch storage.StatusPatch
	if !s.bindJSON(c, &patch) {
		return
	}
	r := s.deps.Relations.UpdateStatus(c.Request.Context(), userID, contentID, patch)
	respond(s, c, result.Map(r, func(n int64) gin.H { return gin.H{"updated": n} }), http.StatusOK)
}

type extendRequest struct {
	Hours int `json:"hours" binding:"required"`
}

func (s *Server) extendRelation(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	contentID, ok := s.pathID(c, "contentID")
	if !ok {
		return
	}
	var req extendRequest
	if !s.bindJSON(c, &req) {
		return
	}
	r := s.deps.Relations.ExtendExpiry(c.Request.Context(), userID, contentID, req.Hours)
	respond(s, c, result.Map(r, func(t time.Time) gin.H { return gin.H{"expires_at": t.UTC()} }), http.StatusOK)
}

// --- admin ---

func (s *Server) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Scheduler.Jobs())
}

func (s *Server) listTasks(c *gin.Context) {
	filter := storage.TaskFilter{Status: c.Query("status")}
	switch filter.Status {
	case "", storage.TaskPending, storage.TaskRunning, storage.TaskSuccess, storage.TaskFailed, storage.TaskCancelled:
	default:
		s.badRequest(c, "unknown task status %q", filter.Status)
		return
	}
	userID, ok := s.queryInt(c, "user_id", 0)
	if !ok {
		return
	}
	filter.UserID = int64(userID)
	if filter.Limit, ok = s.queryInt(c, "limit", 50); !ok {
		return
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		s.badRequest(c, "limit must be between 1 and 500")
		return
	}
	respond(s, c, s.deps.Scheduler.Tasks(c.Request.Context(), filter), http.StatusOK)
}

func (s *Server) triggerUser(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	respond(s, c, s.deps.Scheduler.TriggerUser(c.Request.Context(), userID), http.StatusAccepted)
}

func (s *Server) triggerDue(c *gin.Context) {
	r := s.deps.Scheduler.TriggerDue(c.Request.Context())
	respond(s, c, result.Map(r, func(n int) gin.H { return gin.H{"created": n} }), http.StatusOK)
}

func (s *Server) resetQuota(c *gin.Context) {
	userID, ok := s.pathID(c, "userID")
	if !ok {
		return
	}
	r := s.deps.Ledger.Reset(c.Request.Context(), userID)
	respond(s, c, result.Map(r, func(reset bool) gin.H { return gin.H{"reset": reset} }), http.StatusOK)
}

func (s *Server) reap(c *gin.Context) {
	respond(s, c, s.deps.Relations.ReapExpired(c.Request.Context()), http.StatusOK)
}
