package orchestrator

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/afrr-clearing/internal/types"
	"github.com/ksred/afrr-clearing/pkg/response"
)

// IngestRequest is the body of the ingest endpoint.
type IngestRequest struct {
	SourceBatchID string               `json:"source_batch_id"`
	SourceFiles   []string             `json:"source_files"`
	Bids          []types.RawBid       `json:"bids" binding:"omitempty,dive"`
	Demand        []types.DemandSample `json:"demand"`
}

// GinHandlers contains HTTP handlers for import endpoints
type GinHandlers struct {
	orchestrator   *Orchestrator
	excludedPrefix string
}

func NewGinHandlers(orchestrator *Orchestrator, excludedPrefix string) *GinHandlers {
	return &GinHandlers{
		orchestrator:   orchestrator,
		excludedPrefix: excludedPrefix,
	}
}

// IngestHandler handles POST requests carrying a full import
// Query parameters: confirm=true approves replaces over the delete threshold
func (h *GinHandlers) IngestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request IngestRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		bids, _, err := types.NormalizeBids(request.Bids, h.excludedPrefix)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		var confirm Confirmer
		if c.Query("confirm") == "true" {
			confirm = AutoConfirm
		}

		report, err := h.orchestrator.Run(c.Request.Context(), Batch{
			SourceBatchID: request.SourceBatchID,
			SourceFiles:   request.SourceFiles,
			Operator:      c.GetString("clientID"),
			Bids:          bids,
			Demand:        request.Demand,
		}, confirm)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		for _, r := range report.Recompute {
			r.Results = nil
		}
		response.Success(c, report)
	}
}
