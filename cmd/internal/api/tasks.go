package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/icuic/video-voice-translator/cmd/internal/scheduler"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
)

const (
	// MaxUploadSize 上传视频上限
	MaxUploadSize = 2 << 30 // 2GB
)

// HandleCreateTask 创建翻译任务并归档上传的视频
// POST /api/v1/tasks  (multipart: video + 表单参数)
func HandleCreateTask(store *task.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("video")
		if err != nil {
			badRequestResponse(c, fmt.Sprintf("获取上传文件失败: %v", err))
			return
		}
		if file.Size > MaxUploadSize {
			errorResponse(c, http.StatusRequestEntityTooLarge, "文件大小超过 2GB 限制")
			return
		}

		meta := task.Meta{
			SourceFileName: file.Filename,
			SourceLang:     c.DefaultPostForm("source_lang", "auto"),
			TargetLang:     c.PostForm("target_lang"),
			SingleSpeaker:  c.PostForm("single_speaker") == "true",
			PauseAfter:     c.PostForm("pause_after"),
		}
		if meta.TargetLang == "" {
			badRequestResponse(c, "缺少目标语言 target_lang")
			return
		}
		switch meta.PauseAfter {
		case "", task.PauseAfterStep4, task.PauseAfterStep5:
		default:
			badRequestResponse(c, fmt.Sprintf("非法的暂停点: %s", meta.PauseAfter))
			return
		}

		taskID := task.NewTaskID(time.Now(), file.Filename)
		if _, err := store.Create(taskID, meta); err != nil {
			if errors.Is(err, task.ErrTaskExists) {
				errorResponse(c, http.StatusConflict, "同名任务已存在，请稍后重试")
				return
			}
			errorResponse(c, http.StatusInternalServerError, fmt.Sprintf("创建任务失败: %v", err))
			return
		}

		ext := strings.ToLower(filepath.Ext(file.Filename))
		dst := store.ArtifactPath(taskID, task.OriginalInputName(ext))
		if err := c.SaveUploadedFile(file, dst); err != nil {
			errorResponse(c, http.StatusInternalServerError, fmt.Sprintf("保存上传文件失败: %v", err))
			return
		}

		st, err := store.ReadStatus(taskID)
		if err != nil {
			pipelineErrorResponse(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"success": true,
			"task_id": taskID,
			"status":  st,
		})
	}
}

// HandleListTasks 列出全部任务的状态清单
// GET /api/v1/tasks
func HandleListTasks(store *task.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := store.List()
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, fmt.Sprintf("读取任务列表失败: %v", err))
			return
		}
		successResponse(c, gin.H{"tasks": list, "total": len(list)})
	}
}

// HandleTaskStatus 返回任务状态清单
// GET /api/v1/tasks/:task_id
func HandleTaskStatus(store *task.Store, sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		st, err := store.ReadStatus(taskID)
		if err != nil {
			if errors.Is(err, task.ErrTaskNotFound) {
				errorResponse(c, http.StatusNotFound, "任务不存在")
				return
			}
			pipelineErrorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  st,
			"running": sched.IsRunning(taskID),
		})
	}
}

// HandleStartTask 启动或继续任务
// POST /api/v1/tasks/:task_id/start
// POST /api/v1/tasks/:task_id/continue
func HandleStartTask(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		if err := sched.Start(c.Request.Context(), taskID); err != nil {
			pipelineErrorResponse(c, err)
			return
		}
		successResponseWithMessage(c, "任务已启动", gin.H{"task_id": taskID})
	}
}

// HandleCancelTask 请求取消任务
// POST /api/v1/tasks/:task_id/cancel
func HandleCancelTask(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		if err := sched.Cancel(taskID); err != nil {
			pipelineErrorResponse(c, err)
			return
		}
		successResponseWithMessage(c, "取消请求已受理", gin.H{"task_id": taskID})
	}
}

// HandleDeleteTask 删除任务目录
// DELETE /api/v1/tasks/:task_id
func HandleDeleteTask(store *task.Store, sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		if sched.IsRunning(taskID) {
			errorResponse(c, http.StatusConflict, "任务执行中，不能删除")
			return
		}
		if err := store.Delete(taskID); err != nil {
			switch {
			case errors.Is(err, task.ErrTaskNotFound):
				errorResponse(c, http.StatusNotFound, "任务不存在")
			case errors.Is(err, task.ErrTaskBusy):
				errorResponse(c, http.StatusConflict, "任务执行中，不能删除")
			default:
				errorResponse(c, http.StatusInternalServerError, fmt.Sprintf("删除任务失败: %v", err))
			}
			return
		}
		successResponseWithMessage(c, "任务已删除", gin.H{"task_id": taskID})
	}
}

// HandleDownloadFinal 下载翻译后的成片
// GET /api/v1/tasks/:task_id/video
func HandleDownloadFinal(store *task.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		if _, err := store.Dir(taskID); err != nil {
			errorResponse(c, http.StatusNotFound, "任务不存在")
			return
		}
		base := task.BaseFromTaskID(taskID)
		path := store.ArtifactPath(taskID, task.TranslatedMP4(base))
		if _, err := os.Stat(path); err != nil {
			errorResponse(c, http.StatusNotFound, "成片尚未生成")
			return
		}
		c.FileAttachment(path, filepath.Base(path))
	}
}

// HandleRegenerateFinal 按当前分段表重新生成配音轨与成片
// POST /api/v1/tasks/:task_id/regenerate
func HandleRegenerateFinal(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		if err := sched.RegenerateFinal(c.Request.Context(), taskID); err != nil {
			pipelineErrorResponse(c, err)
			return
		}
		successResponseWithMessage(c, "成片已重新生成", gin.H{"task_id": taskID})
	}
}
