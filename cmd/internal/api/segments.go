package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/icuic/video-voice-translator/cmd/internal/scheduler"
	"github.com/icuic/video-voice-translator/cmd/internal/segment"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
)

// HandleListSegments 返回任务的分段表
// GET /api/v1/tasks/:task_id/segments
func HandleListSegments(store *task.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		table, err := store.ReadSegmentTable(taskID)
		if err != nil {
			if errors.Is(err, task.ErrTaskNotFound) {
				errorResponse(c, http.StatusNotFound, "任务不存在")
				return
			}
			errorResponse(c, http.StatusInternalServerError, fmt.Sprintf("读取分段表失败: %v", err))
			return
		}
		successResponse(c, gin.H{"segments": table, "total": len(table)})
	}
}

// segmentPatchRequest 批量更新请求中的单条补丁
type segmentPatchRequest struct {
	ID int `json:"id"`
	segment.Patch
}

// HandleUpdateSegments 批量更新分段的时间/文本/译文
// PUT /api/v1/tasks/:task_id/segments
func HandleUpdateSegments(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Segments []segmentPatchRequest `json:"segments" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequestResponse(c, fmt.Sprintf("解析请求失败: %v", err))
			return
		}
		table, err := sched.EditSegments(c.Param("task_id"), func(t segment.Table) (segment.Table, error) {
			var err error
			for _, p := range req.Segments {
				if t, err = t.Update(p.ID, p.Patch); err != nil {
					return nil, err
				}
			}
			return t, nil
		})
		if err != nil {
			pipelineErrorResponse(c, err)
			return
		}
		successResponse(c, gin.H{"segments": table, "total": len(table)})
	}
}

// HandleSplitSegment 在词边界处把分段一拆为二
// POST /api/v1/tasks/:task_id/segments/split
func HandleSplitSegment(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			SegmentID  int      `json:"segment_id"`
			TextOffset *int     `json:"text_offset,omitempty"`
			SplitTime  *float64 `json:"split_time,omitempty"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequestResponse(c, fmt.Sprintf("解析请求失败: %v", err))
			return
		}
		if req.TextOffset == nil && req.SplitTime == nil {
			badRequestResponse(c, "需要 text_offset 或 split_time 之一")
			return
		}
		table, err := sched.EditSegments(c.Param("task_id"), func(t segment.Table) (segment.Table, error) {
			if req.TextOffset != nil {
				return t.Split(req.SegmentID, *req.TextOffset)
			}
			return t.SplitAtTime(req.SegmentID, *req.SplitTime)
		})
		if err != nil {
			pipelineErrorResponse(c, err)
			return
		}
		successResponse(c, gin.H{"segments": table, "total": len(table)})
	}
}

// HandleMergeSegments 合并相邻分段
// POST /api/v1/tasks/:task_id/segments/merge
func HandleMergeSegments(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			IDs []int `json:"ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequestResponse(c, fmt.Sprintf("解析请求失败: %v", err))
			return
		}
		table, err := sched.EditSegments(c.Param("task_id"), func(t segment.Table) (segment.Table, error) {
			return t.Merge(req.IDs)
		})
		if err != nil {
			pipelineErrorResponse(c, err)
			return
		}
		successResponse(c, gin.H{"segments": table, "total": len(table)})
	}
}

// HandleDeleteSegments 删除分段并重新编号
// POST /api/v1/tasks/:task_id/segments/delete
func HandleDeleteSegments(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			IDs []int `json:"ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequestResponse(c, fmt.Sprintf("解析请求失败: %v", err))
			return
		}
		table, err := sched.EditSegments(c.Param("task_id"), func(t segment.Table) (segment.Table, error) {
			return t.Delete(req.IDs)
		})
		if err != nil {
			pipelineErrorResponse(c, err)
			return
		}
		successResponse(c, gin.H{"segments": table, "total": len(table)})
	}
}

// HandleRetranslateSegment 重翻单个分段
// POST /api/v1/tasks/:task_id/segments/:segment_id/retranslate
func HandleRetranslateSegment(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		segID, err := strconv.Atoi(c.Param("segment_id"))
		if err != nil {
			badRequestResponse(c, "非法的分段编号")
			return
		}
		var req struct {
			TranslatedText string `json:"translated_text"`
		}
		// 请求体可为空：空译文表示交给翻译引擎
		_ = c.ShouldBindJSON(&req)

		seg, err := sched.RetranslateSegment(c.Request.Context(), c.Param("task_id"), segID, req.TranslatedText)
		if err != nil {
			pipelineErrorResponse(c, err)
			return
		}
		successResponse(c, gin.H{"segment": seg})
	}
}

// HandleResynthesizeSegment 重提参考音频并重新克隆单个分段
// POST /api/v1/tasks/:task_id/segments/:segment_id/resynthesize
func HandleResynthesizeSegment(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		segID, err := strconv.Atoi(c.Param("segment_id"))
		if err != nil {
			badRequestResponse(c, "非法的分段编号")
			return
		}
		seg, err := sched.ResynthesizeSegment(c.Request.Context(), c.Param("task_id"), segID)
		if err != nil {
			pipelineErrorResponse(c, err)
			return
		}
		successResponse(c, gin.H{"segment": seg})
	}
}

// HandleSegmentAudio 下载分段的参考音频或克隆音频
// GET /api/v1/tasks/:task_id/segments/:segment_id/audio?kind=ref|cloned
func HandleSegmentAudio(store *task.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		segID, err := strconv.Atoi(c.Param("segment_id"))
		if err != nil {
			badRequestResponse(c, "非法的分段编号")
			return
		}
		if _, err := store.Dir(taskID); err != nil {
			errorResponse(c, http.StatusNotFound, "任务不存在")
			return
		}

		base := task.BaseFromTaskID(taskID)
		var rel string
		switch c.DefaultQuery("kind", "cloned") {
		case "ref":
			rel = task.RefSegmentWAV(base, segID)
		case "cloned":
			rel = task.CloneSegmentWAV(base, segID)
		default:
			badRequestResponse(c, "kind 必须为 ref 或 cloned")
			return
		}
		path := store.ArtifactPath(taskID, rel)
		if _, err := os.Stat(path); err != nil {
			errorResponse(c, http.StatusNotFound, "音频尚未生成")
			return
		}
		c.FileAttachment(path, filepath.Base(path))
	}
}
