package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/compliancehq/review-engine/internal/domain"
	"github.com/compliancehq/review-engine/internal/eventstore"
	"github.com/compliancehq/review-engine/internal/health"
	"github.com/compliancehq/review-engine/internal/projection"
	"github.com/compliancehq/review-engine/internal/repository"
	"github.com/compliancehq/review-engine/internal/service"
)

func RegisterHandlers(r *gin.Engine, svc *service.ReviewService, summaries *projection.SummaryProjection, findings *projection.FindingsProjection, admin *health.Service) {
	v1 := r.Group("/v1")
	{
		v1.POST("/documents", uploadHandler(svc))
		v1.POST("/documents/:id/analysis", startAnalysisHandler(svc))
		v1.POST("/documents/:id/policy", attachPolicyHandler(svc))
		v1.POST("/documents/:id/findings", recordFindingHandler(svc))
		v1.POST("/documents/:id/findings/:finding_id/resolve", resolveFindingHandler(svc))
		v1.POST("/documents/:id/complete", completeReviewHandler(svc))
		v1.GET("/documents/:id", summaryHandler(summaries))
		v1.GET("/documents/:id/findings", findingsHandler(findings))

		adm := v1.Group("/admin")
		{
			adm.GET("/health", systemHealthHandler(admin))
			adm.GET("/projections", systemHealthHandler(admin))
			adm.GET("/projections/:name", projectionHealthHandler(admin))
			adm.GET("/projections/:name/checkpoint", checkpointHandler(admin))
			adm.GET("/projections/:name/failures", failuresHandler(admin))
			adm.POST("/projections/:name/replay", replayHandler(admin))
			adm.POST("/projections/:name/reset", resetHandler(admin))
			adm.POST("/failures/:id/resolve", resolveHandler(admin))
		}
	}
}

// fail maps engine errors onto HTTP statuses. Version conflicts are
// retryable and say so.
func fail(c *gin.Context, err error) {
	var conflict *eventstore.ConcurrencyError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent modification, please refresh and retry"})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, health.ErrUnknownProjection):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown projection"})
	case errors.Is(err, health.ErrBadStrategy):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

type uploadReq struct {
	Title       string `json:"title" binding:"required"`
	ContentType string `json:"content_type"`
	UploadedBy  string `json:"uploaded_by"`
}

func uploadHandler(svc *service.ReviewService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req uploadReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := svc.UploadDocument(c, req.Title, req.ContentType, req.UploadedBy)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"document_id": id})
	}
}

type startAnalysisReq struct {
	StartedBy string `json:"started_by"`
}

func startAnalysisHandler(svc *service.ReviewService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startAnalysisReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.StartAnalysis(c, c.Param("id"), req.StartedBy); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": domain.StatusAnalyzing})
	}
}

type attachPolicyReq struct {
	PolicyID string `json:"policy_id" binding:"required"`
}

func attachPolicyHandler(svc *service.ReviewService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req attachPolicyReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.AttachPolicy(c, c.Param("id"), req.PolicyID); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"policy_id": req.PolicyID})
	}
}

type recordFindingReq struct {
	Rule     string `json:"rule" binding:"required"`
	Severity string `json:"severity" binding:"required"`
	Excerpt  string `json:"excerpt"`
}

func recordFindingHandler(svc *service.ReviewService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recordFindingReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		findingID, err := svc.RecordFinding(c, c.Param("id"), req.Rule, req.Severity, req.Excerpt)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"finding_id": findingID})
	}
}

type resolveFindingReq struct {
	Resolution string `json:"resolution" binding:"required"`
}

func resolveFindingHandler(svc *service.ReviewService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveFindingReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.ResolveFinding(c, c.Param("id"), c.Param("finding_id"), req.Resolution); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"finding_id": c.Param("finding_id"), "status": domain.FindingStatusResolved})
	}
}

type completeReviewReq struct {
	Outcome string `json:"outcome" binding:"required"`
}

func completeReviewHandler(svc *service.ReviewService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req completeReviewReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.CompleteReview(c, c.Param("id"), req.Outcome); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": domain.StatusCompleted, "outcome": req.Outcome})
	}
}

func summaryHandler(summaries *projection.SummaryProjection) gin.HandlerFunc {
	return func(c *gin.Context) {
		row, err := summaries.GetSummary(c, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusOK, row)
	}
}

func findingsHandler(findings *projection.FindingsProjection) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := findings.ListByDocument(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func systemHealthHandler(admin *health.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := admin.SystemHealth(c)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

func projectionHealthHandler(admin *health.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := admin.ProjectionHealth(c, c.Param("name"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

func checkpointHandler(admin *health.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cp, err := admin.Checkpoint(c, c.Param("name"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, cp)
	}
}

func failuresHandler(admin *health.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		rows, err := admin.FailureHistory(c, c.Param("name"), limit)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

type replayReq struct {
	FromSequence uint64 `json:"from_sequence"`
	ToSequence   uint64 `json:"to_sequence"`
	SkipFailed   bool   `json:"skip_failed"`
}

func replayHandler(admin *health.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req replayReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := admin.Replay(c, c.Param("name"), req.FromSequence, req.ToSequence, req.SkipFailed)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func resetHandler(admin *health.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := admin.Reset(c, c.Param("name")); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reset": c.Param("name")})
	}
}

type resolveReq struct {
	Strategy string `json:"strategy" binding:"required"`
}

func resolveHandler(admin *health.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid failure id"})
			return
		}
		if err := admin.Resolve(c, id, req.Strategy); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"failure_id": id, "strategy": req.Strategy})
	}
}
