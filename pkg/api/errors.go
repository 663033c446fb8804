package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vulnforge/vulnforge/pkg/database"
	"github.com/vulnforge/vulnforge/pkg/requirement"
)

// ErrorResponse is the JSON body returned for any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError maps a pipeline-layer error to an HTTP status and writes
// the JSON error envelope, covering this domain's
// RequirementInvalid/ExecutorError/LoopExhausted taxonomy.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, requirement.ErrNoVulnID):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, database.ErrRunNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "run not found"})
	default:
		slog.Error("unexpected api error", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}
