package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/buildsmith/buildsmith/engine/logstream"
	"github.com/buildsmith/buildsmith/engine/task"
	"github.com/buildsmith/buildsmith/engine/task/model"
	"github.com/buildsmith/buildsmith/pkg/logger"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// The frontend is served from arbitrary internal hosts, so origin checks are
// disabled like the rest of the API surface.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsTaskLogHandler streams the durable log as a single prefix message and then
// relays live broker messages until the client goes away.
func wsTaskLogHandler(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
			return
		}
		if _, err := state.Repo.Find(c.Request.Context(), id); err != nil {
			if errors.Is(err, task.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		durable, err := state.Repo.GetLog(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "task_id", id, "error", err)
			return
		}
		defer conn.Close()

		sub := state.Broker.Subscribe(id)
		defer sub.Close()

		if durable != "" {
			prefix := logstream.Message{
				TaskID:    id,
				Log:       durable,
				Timestamp: model.Now(),
			}
			if err := writeMessage(conn, prefix); err != nil {
				return
			}
		}

		clientGone := readUntilClosed(conn)
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()

		for {
			select {
			case msg, ok := <-sub.C():
				if !ok {
					// Evicted as a slow subscriber.
					return
				}
				if err := writeMessage(conn, msg); err != nil {
					return
				}
			case <-ticker.C:
				deadline := time.Now().Add(wsWriteWait)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-clientGone:
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, msg logstream.Message) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

// readUntilClosed drains client frames so pongs are processed, signalling on
// the returned channel once the connection dies.
func readUntilClosed(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return gone
}
