package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/atpinstall/internal/app"
	"github.com/loykin/atpinstall/internal/config"
	"github.com/loykin/atpinstall/internal/installer"
	"github.com/loykin/atpinstall/internal/job"
	"github.com/loykin/atpinstall/internal/modules"
	"github.com/loykin/atpinstall/internal/process"
	"github.com/loykin/atpinstall/internal/runner"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName accepts resource names made of [A-Za-z0-9._-] without "..".
// A leading "*." is allowed for wildcard certificate domains.
func isSafeName(s string) bool {
	s = strings.TrimPrefix(s, "*.")
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// queryInt reads a positive integer query parameter, falling back to def.
func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var ve *config.ValidationError
	switch {
	case errors.Is(err, job.ErrBusy), errors.Is(err, job.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, process.ErrUnknownTarget),
		errors.Is(err, installer.ErrUnknownDeployTarget),
		errors.Is(err, app.ErrUnknownEnsure),
		errors.Is(err, modules.ErrUnknownModule),
		errors.Is(err, runner.ErrUnknownTool),
		errors.As(err, &ve):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}
