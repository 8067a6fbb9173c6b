package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/icuic/video-voice-translator/cmd/internal/eventbus"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
	"github.com/icuic/video-voice-translator/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 服务部署在内网，前端口可能与 API 端口不同
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// HandleTaskEvents 把任务事件流推送到 WebSocket 连接。
// 连接建立即收到当前状态快照（总线配置了快照来源时），之后按发布顺序接收事件。
// GET /api/v1/tasks/:task_id/events
func HandleTaskEvents(store *task.Store, bus *eventbus.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		if _, err := store.Dir(taskID); err != nil {
			errorResponse(c, http.StatusNotFound, "任务不存在")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade 失败时响应已写出
			return
		}
		defer conn.Close()

		events, cancel := bus.Subscribe(taskID)
		defer cancel()

		log := logger.L().With("component", "ws", "task_id", taskID)
		log.Debug("subscriber connected")

		// 读循环只为感知客户端断开
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case env, ok := <-events:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(env); err != nil {
					log.Debug("subscriber write failed", "error", err)
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
