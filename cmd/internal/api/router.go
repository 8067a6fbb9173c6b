package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/icuic/video-voice-translator/cmd/internal/engine"
	"github.com/icuic/video-voice-translator/cmd/internal/eventbus"
	"github.com/icuic/video-voice-translator/cmd/internal/middleware"
	"github.com/icuic/video-voice-translator/cmd/internal/scheduler"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
)

// Deps 路由依赖
type Deps struct {
	Store   *task.Store
	Sched   *scheduler.Scheduler
	Bus     *eventbus.Bus
	Engines engine.Set
}

// NewRouter 组装全部 HTTP 路由
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.MaxMultipartMemory = 32 << 20

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/services/status", HandleServicesStatus(deps.Engines))

		tasks := v1.Group("/tasks")
		{
			tasks.POST("", HandleCreateTask(deps.Store))
			tasks.GET("", HandleListTasks(deps.Store))
			tasks.GET("/:task_id", HandleTaskStatus(deps.Store, deps.Sched))
			tasks.DELETE("/:task_id", HandleDeleteTask(deps.Store, deps.Sched))
			tasks.POST("/:task_id/start", HandleStartTask(deps.Sched))
			tasks.POST("/:task_id/continue", HandleStartTask(deps.Sched))
			tasks.POST("/:task_id/cancel", HandleCancelTask(deps.Sched))
			tasks.POST("/:task_id/regenerate", HandleRegenerateFinal(deps.Sched))
			tasks.GET("/:task_id/video", HandleDownloadFinal(deps.Store))
			tasks.GET("/:task_id/events", HandleTaskEvents(deps.Store, deps.Bus))

			tasks.GET("/:task_id/segments", HandleListSegments(deps.Store))
			tasks.PUT("/:task_id/segments", HandleUpdateSegments(deps.Sched))
			tasks.POST("/:task_id/segments/split", HandleSplitSegment(deps.Sched))
			tasks.POST("/:task_id/segments/merge", HandleMergeSegments(deps.Sched))
			tasks.POST("/:task_id/segments/delete", HandleDeleteSegments(deps.Sched))
			tasks.GET("/:task_id/segments/:segment_id/audio", HandleSegmentAudio(deps.Store))
			tasks.POST("/:task_id/segments/:segment_id/retranslate", HandleRetranslateSegment(deps.Sched))
			tasks.POST("/:task_id/segments/:segment_id/resynthesize", HandleResynthesizeSegment(deps.Sched))
		}
	}
	return r
}
