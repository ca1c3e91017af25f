package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/buildsmith/buildsmith/engine/task"
	"github.com/buildsmith/buildsmith/engine/task/model"
	"github.com/buildsmith/buildsmith/pkg/logger"
)

func taskListHandler(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks, err := state.Repo.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
	}
}

func addTaskHandler(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		var spec model.CreateTask
		if err := c.ShouldBindJSON(&spec); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := state.Repo.Create(c.Request.Context(), &spec)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id})
	}
}

func updateTaskHandler(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch model.UpdateTask
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := state.Repo.Update(c.Request.Context(), &patch)
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusOK)
	}
}

func deleteTaskHandler(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req model.DeleteTask
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx := c.Request.Context()
		t, err := state.Repo.Find(ctx, req.TaskID)
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Stop the family before removing the rows.
		if t.IsParent() {
			children, cerr := state.Repo.Children(ctx, t.ID)
			if cerr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": cerr.Error()})
				return
			}
			for _, child := range children {
				if child.State.IsTerminal() {
					continue
				}
				if cerr := state.Queue.Cancel(ctx, child.ID); cerr != nil {
					logger.Warn("cancel before delete failed", "task_id", child.ID, "error", cerr)
				}
			}
		}
		if !t.State.IsTerminal() {
			if cerr := state.Queue.Cancel(ctx, t.ID); cerr != nil {
				logger.Warn("cancel before delete failed", "task_id", t.ID, "error", cerr)
			}
		}

		if err := state.Repo.Delete(ctx, req.TaskID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusOK)
	}
}

func taskLogHandler(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
			return
		}
		log, err := state.Repo.GetLog(c.Request.Context(), id)
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"log": log})
	}
}

func downloadHandler(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		rel := strings.TrimPrefix(c.Param("path"), "/")
		full, ok := resolveUnder(state.BackupRoot, rel)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		c.FileAttachment(full, filepath.Base(full))
	}
}

// resolveUnder joins rel onto root and rejects paths that escape it.
func resolveUnder(root, rel string) (string, bool) {
	if rel == "" {
		return "", false
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}
