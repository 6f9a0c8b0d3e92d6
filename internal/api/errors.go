package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
)

// Codes used only at the HTTP boundary.
const (
	codeInternal   = "API_001" // Unclassified failure
	codeBadRequest = "API_002" // Malformed request body
)

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case flowerrors.CodeConfigUnknownServer,
		flowerrors.CodeConfigUnknownWorkflow,
		flowerrors.CodeConfigUnknownTool,
		flowerrors.CodeSchedNotFound:
		return http.StatusNotFound
	case flowerrors.CodeConfigDuplicateWorkflow,
		flowerrors.CodeSchedNotRunning,
		flowerrors.CodeProcNotRunning:
		return http.StatusConflict
	case flowerrors.CodeRPCInvalidArgs, codeBadRequest:
		return http.StatusBadRequest
	}
	if strings.HasPrefix(code, "CONFIG_") {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"error": {...}} with the mapped status.
func writeError(c *gin.Context, err error) {
	var ferr *flowerrors.FlowError
	if !errors.As(err, &ferr) {
		ferr = flowerrors.Wrap(codeInternal, "internal error", err)
	}
	c.AbortWithStatusJSON(statusFor(ferr.Code), gin.H{"error": ferr})
}

func badRequest(c *gin.Context, err error) {
	writeError(c, flowerrors.Wrap(codeBadRequest, "invalid request body", err))
}
