package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kodustech/kodus-flow/pkg/agent"
	"github.com/kodustech/kodus-flow/pkg/review"
)

// CallAgentRequest is the body of POST /api/v1/agents/:name/call.
type CallAgentRequest struct {
	Input       string         `json:"input" binding:"required"`
	Thread      string         `json:"thread,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	UserContext map[string]any `json:"user_context,omitempty"`
}

// CallAgent invokes a registered agent and returns its structured
// result. Execution failures still answer 200: the result carries
// success=false with the human-readable error.
func (s *Server) CallAgent(c *gin.Context) {
	var req CallAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.orch.CallAgent(c.Request.Context(), c.Param("name"), req.Input, agent.CallOptions{
		ThreadID:    req.Thread,
		SessionID:   req.SessionID,
		UserContext: req.UserContext,
	})
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// CallToolRequest is the body of POST /api/v1/tools/:name/call.
type CallToolRequest struct {
	Input map[string]any `json:"input"`
}

// CallTool executes a registered tool directly.
func (s *Server) CallTool(c *gin.Context) {
	var req CallToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.orch.CallTool(c.Request.Context(), c.Param("name"), req.Input)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListTools returns the registered tool definitions.
func (s *Server) ListTools(c *gin.Context) {
	defs := s.orch.Tools().ListTools()
	tools := make([]gin.H, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, gin.H{
			"name":        def.Name,
			"description": def.Description,
			"categories":  def.Categories,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools})
}

// CreateReviewRequest is the body of POST /api/v1/reviews.
type CreateReviewRequest struct {
	Repository string `json:"repository" binding:"required"`
	Number     int    `json:"number" binding:"required"`
	Title      string `json:"title,omitempty"`
	BaseSHA    string `json:"base_sha,omitempty"`
	HeadSHA    string `json:"head_sha" binding:"required"`
	Origin     string `json:"origin,omitempty"`
}

// CreateReview runs the code-review pipeline for a pull request.
func (s *Server) CreateReview(c *gin.Context) {
	if s.reviews == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "review pipeline is not configured"})
		return
	}

	var req CreateReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	origin := review.TriggerOrigin(req.Origin)
	if origin == "" {
		origin = review.OriginPush
	}

	pc := s.reviews.Run(c.Request.Context(), review.PullRequest{
		Repository: req.Repository,
		Number:     req.Number,
		Title:      req.Title,
		BaseSHA:    req.BaseSHA,
		HeadSHA:    req.HeadSHA,
	}, origin)

	c.JSON(http.StatusCreated, gin.H{
		"pipeline_id": pc.PipelineID,
		"status":      pc.StatusInfo,
		"summary":     pc.Summary,
	})
}

// GetReview returns a finished run by pipeline id.
func (s *Server) GetReview(c *gin.Context) {
	if s.reviews == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "review pipeline is not configured"})
		return
	}

	pc, err := s.reviews.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pc)
}
