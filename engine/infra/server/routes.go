package server

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed static/index.html
var indexHTML []byte

// RegisterRoutes wires the full HTTP surface onto r.
func RegisterRoutes(r *gin.Engine, state *State) error {
	r.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
	})

	r.POST("/build_package", buildPackageHandler(state))

	r.GET("/task_list", taskListHandler(state))
	r.POST("/add_task", addTaskHandler(state))
	r.POST("/update_task", updateTaskHandler(state))
	r.POST("/delete_task", deleteTaskHandler(state))
	r.GET("/task_log/:id", taskLogHandler(state))
	r.GET("/ws/task_log/:id", wsTaskLogHandler(state))
	r.GET("/download/*path", downloadHandler(state))

	r.GET("/server_list", serverListHandler(state))
	r.GET("/branch_list", branchListHandler(state))
	r.GET("/custom_args_list", customArgsListHandler(state))
	r.GET("/build_args_list", buildArgsListHandler(state))

	return nil
}
