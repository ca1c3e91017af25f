package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func serverListHandler(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, state.Cfg.Server)
	}
}

func branchListHandler(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		src, err := state.Cfg.SrcPath()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		branches, err := state.Git.Branches(c.Request.Context(), src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"branches": branches})
	}
}

func customArgsListHandler(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"custom_args": state.Cfg.CustomArgs})
	}
}

func buildArgsListHandler(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"build_args": state.Cfg.BuildArgs})
	}
}
