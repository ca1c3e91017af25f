package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/buildsmith/buildsmith/engine/build"
)

// maxFieldLen bounds every free-form request string; anything larger is a
// malformed or hostile submission.
const maxFieldLen = 256

var knownArches = map[string]bool{
	"x64":   true,
	"x86":   true,
	"arm64": true,
	"arm":   true,
}

func buildPackageHandler(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req build.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %s", err)})
			return
		}
		if err := validateBuildRequest(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := state.Queue.Submit(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.String(http.StatusOK, res.Message)
	}
}

func validateBuildRequest(req *build.Request) error {
	for name, value := range map[string]string{
		"branch":   req.Branch,
		"platform": req.Platform,
		"server":   req.Server,
	} {
		if value == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
		if len(value) > maxFieldLen {
			return fmt.Errorf("%s exceeds %d characters", name, maxFieldLen)
		}
	}
	if len(req.CommitID) > maxFieldLen {
		return fmt.Errorf("commit_id exceeds %d characters", maxFieldLen)
	}
	if len(req.PkgFlag) > maxFieldLen {
		return fmt.Errorf("pkg_flag exceeds %d characters", maxFieldLen)
	}
	if len(req.Architectures) == 0 {
		return fmt.Errorf("architectures must not be empty")
	}
	for _, arch := range req.Architectures {
		if !knownArches[arch] {
			return fmt.Errorf("unknown architecture %q", arch)
		}
	}
	return nil
}
