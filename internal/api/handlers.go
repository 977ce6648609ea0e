package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/reporter"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

const (
	queryTimeout    = 5 * time.Second
	healthTimeout   = 3 * time.Second
	maxSessionsPage = 200
)

// handleHealth reports reachability of every wired subsystem. It stays
// unauthenticated so load balancers and uptime probes can hit it.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	healthy := true
	checks := gin.H{}

	if s.adapter != nil {
		if version, err := s.adapter.Version(ctx); err != nil {
			healthy = false
			checks["framework"] = gin.H{"status": "unreachable", "error": err.Error()}
		} else {
			checks["framework"] = gin.H{"status": "connected", "version": version}
		}
	}

	if s.store != nil {
		if _, err := s.store.SessionStats(ctx); err != nil {
			healthy = false
			checks["database"] = gin.H{"status": "unreachable", "error": err.Error()}
		} else {
			checks["database"] = gin.H{"status": "connected"}
		}
	}

	if s.queue != nil {
		if jobs, err := s.queue.GetPending(ctx); err != nil {
			healthy = false
			checks["queue"] = gin.H{"status": "unreachable", "error": err.Error()}
		} else {
			checks["queue"] = gin.H{"status": "connected", "pending": len(jobs)}
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":   healthy,
		"checks":    checks,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	if s.store == nil {
		s.unavailable(c, "session store")
		return
	}

	filter := core.SessionFilter{
		Target:  c.Query("target"),
		Outcome: types.SessionOutcome(c.Query("outcome")),
		Limit:   intQuery(c, "limit", 50),
		Offset:  intQuery(c, "offset", 0),
	}
	if filter.Limit <= 0 || filter.Limit > maxSessionsPage {
		filter.Limit = maxSessionsPage
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	sessions, err := s.store.ListSessions(ctx, filter)
	if err != nil {
		s.log.Errorw("Failed to list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleGetSession(c *gin.Context) {
	if s.store == nil {
		s.unavailable(c, "session store")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	session, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.log.Errorw("Failed to load session", "session_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	c.JSON(http.StatusOK, session)
}

// handleSessionReport renders the same summary the CLI prints, as JSON.
func (s *Server) handleSessionReport(c *gin.Context) {
	if s.store == nil {
		s.unavailable(c, "session store")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	session, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.log.Errorw("Failed to load session", "session_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	c.JSON(http.StatusOK, reporter.Summarize(session))
}

func (s *Server) handleStats(c *gin.Context) {
	if s.store == nil {
		s.unavailable(c, "session store")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	stats, err := s.store.SessionStats(ctx)
	if err != nil {
		s.log.Errorw("Failed to compute session stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handlePendingJobs(c *gin.Context) {
	if s.queue == nil {
		s.unavailable(c, "job queue")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	jobs, err := s.queue.GetPending(ctx)
	if err != nil {
		s.log.Errorw("Failed to list pending jobs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pending jobs"})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// handleEnqueue accepts an exploit job for the worker pool. The job must
// arrive with confirmed set: workers have no terminal to prompt on, so the
// authenticated API call itself is the operator's authorization, and it is
// logged as such.
func (s *Server) handleEnqueue(c *gin.Context) {
	if s.queue == nil {
		s.unavailable(c, "job queue")
		return
	}

	var job types.ExploitJob
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job body: " + err.Error()})
		return
	}
	if job.Target.Address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target.address is required"})
		return
	}
	if job.ModuleID == "" && job.Service.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service.name is required for automated sessions"})
		return
	}
	if !job.Confirmed {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job must be enqueued with confirmed=true, workers cannot prompt for authorization",
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	if err := s.queue.Push(ctx, &job); err != nil {
		s.log.Errorw("Failed to enqueue job", "target", job.Target.Address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}

	s.log.LogSecurityEvent(ctx, "exploit_job_enqueued", map[string]interface{}{
		"job_id": job.ID,
		"target": job.Target.Address,
		"module": job.ModuleID,
		"ip":     c.ClientIP(),
	})

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": job.Status})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	if s.queue == nil {
		s.unavailable(c, "job queue")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	job, err := s.queue.GetStatus(ctx, c.Param("id"))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.log.Errorw("Failed to load job", "job_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleJobRetry(c *gin.Context) {
	if s.queue == nil {
		s.unavailable(c, "job queue")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	jobID := c.Param("id")
	if err := s.queue.Retry(ctx, jobID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.log.Errorw("Failed to retry job", "job_id", jobID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry job"})
		return
	}

	s.log.Infow("Job requeued via API", "job_id", jobID, "ip", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": "pending"})
}

func (s *Server) handleWorkers(c *gin.Context) {
	if s.pool == nil {
		s.unavailable(c, "worker pool")
		return
	}
	c.JSON(http.StatusOK, s.pool.Status())
}

func (s *Server) handleScaleWorkers(c *gin.Context) {
	if s.pool == nil {
		s.unavailable(c, "worker pool")
		return
	}

	var req struct {
		Workers int `json:"workers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scale request: " + err.Error()})
		return
	}

	if err := s.pool.Scale(req.Workers); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.log.Infow("Worker pool scaled via API", "workers", req.Workers, "ip", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"workers": req.Workers})
}

// handleLatestArtifact streams the newest transcript recorded for a target,
// whatever its outcome was.
func (s *Server) handleLatestArtifact(c *gin.Context) {
	if s.artifacts == nil {
		s.unavailable(c, "artifact store")
		return
	}

	target := c.Query("target")
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target query parameter is required"})
		return
	}

	path, err := s.artifacts.MostRecent(target)
	if err != nil {
		if errors.Is(err, core.ErrNoArtifact) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no artifacts recorded for " + target})
			return
		}
		s.log.Errorw("Failed to locate artifact", "target", target, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to locate artifact"})
		return
	}

	c.Header("X-Artifact-Path", path)
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.File(path)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
