package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bullpen-dev/bullpen/internal/store"
	"github.com/bullpen-dev/bullpen/internal/workflow"
)

// respondError maps engine and store error codes onto HTTP statuses. Gate
// rejections are conflicts, unknown instances are 404, everything else is a
// server fault.
func respondError(c *gin.Context, err error) {
	code := workflow.CodeOf(err)
	if code == "" {
		code = store.ErrorCode(err)
	}

	body := gin.H{"error": err.Error()}
	if code != "" {
		body["code"] = code
	}
	c.JSON(statusForCode(code), body)
}

func statusForCode(code string) int {
	switch code {
	case workflow.CodeInstanceNotFound:
		return http.StatusNotFound
	case workflow.CodeInvalidState,
		workflow.CodeMaxReviewsExceeded,
		workflow.CodeReviewInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondInstanceNotFound(c *gin.Context, id string) {
	c.JSON(http.StatusNotFound, gin.H{
		"error": fmt.Sprintf("instance not found: %s", id),
		"code":  workflow.CodeInstanceNotFound,
	})
}

func respondBadRequest(c *gin.Context, format string, args ...interface{}) {
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf(format, args...)})
}
