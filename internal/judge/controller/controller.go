// Package controller exposes the judge HTTP API: submission intake,
// status reads, and the live worker view.
package controller

import (
	"context"
	"time"

	"arbiter/internal/common/http/middleware"
	"arbiter/internal/intake"
	"arbiter/internal/judge/status"
	"arbiter/internal/store"
	"arbiter/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// JudgeController handles the judge HTTP endpoints.
type JudgeController struct {
	intake *intake.Service
	subs   store.SubmissionStore
	status *status.Cache
}

// NewJudgeController creates a controller. status may be nil, in which
// case every read goes to the store.
func NewJudgeController(intakeService *intake.Service, subs store.SubmissionStore, statusCache *status.Cache) *JudgeController {
	return &JudgeController{intake: intakeService, subs: subs, status: statusCache}
}

// RegisterRoutes mounts the judge API on the engine.
func (h *JudgeController) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Health)

	api := r.Group("/api/v1/judge", middleware.TraceContextMiddleware())
	api.POST("/submissions", h.Submit)
	api.GET("/submissions/:id", h.GetSubmission)
	api.GET("/workers", h.ListWorkers)
}

// Health is the liveness probe.
func (h *JudgeController) Health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// Submit accepts a new submission.
func (h *JudgeController) Submit(c *gin.Context) {
	var req intake.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	sub, err := h.intake.Submit(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, SubmitResponse{
		SubmissionID: sub.SubmissionID,
		Verdict:      string(sub.Verdict),
		CreatedAt:    sub.CreatedAt,
	})
}

// GetSubmission returns the current state of one submission, with
// per-test rows once it is terminal.
func (h *JudgeController) GetSubmission(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	ctx := c.Request.Context()

	var (
		sub *store.Submission
		err error
	)
	if h.status != nil {
		sub, err = h.status.GetOrLoad(ctx, submissionID, func(ctx context.Context) (*store.Submission, error) {
			return h.subs.GetSubmission(ctx, submissionID)
		})
	} else {
		sub, err = h.subs.GetSubmission(ctx, submissionID)
	}
	if err != nil {
		response.Error(c, err)
		return
	}

	resp := toSubmissionResponse(sub)
	if sub.Verdict.Terminal() && sub.Verdict != store.VerdictCompileError {
		results, err := h.subs.ListTestResults(ctx, submissionID)
		if err != nil {
			response.Error(c, err)
			return
		}
		resp.Tests = toTestResponses(results)
	}
	response.Success(c, resp)
}

// ListWorkers returns the live worker heartbeat view.
func (h *JudgeController) ListWorkers(c *gin.Context) {
	if h.status == nil {
		response.Success(c, WorkersResponse{Workers: []WorkerResponse{}})
		return
	}
	workers, err := h.status.Workers(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	resp := WorkersResponse{Workers: make([]WorkerResponse, 0, len(workers))}
	cutoff := time.Now().Add(-time.Minute)
	for name, heartbeat := range workers {
		resp.Workers = append(resp.Workers, WorkerResponse{
			Name:        name,
			HeartbeatAt: heartbeat,
			Alive:       heartbeat.After(cutoff),
		})
	}
	response.Success(c, resp)
}

