package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/icuic/video-voice-translator/cmd/internal/pipeline"
)

// errorResponse 返回错误响应
func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{
		"success": false,
		"error":   message,
	})
}

// successResponse 返回成功响应
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// successResponseWithMessage 返回带消息的成功响应
func successResponseWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": message,
		"data":    data,
	})
}

// badRequestResponse 返回 400 响应
func badRequestResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, message)
}

// pipelineErrorResponse 按错误代码映射 HTTP 状态码
func pipelineErrorResponse(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch pipeline.CodeOf(err) {
	case pipeline.INVALID_REQUEST:
		status = http.StatusBadRequest
	case pipeline.NOT_FOUND:
		status = http.StatusNotFound
	case pipeline.CONFLICT, pipeline.CANCELLED:
		status = http.StatusConflict
	case pipeline.ENGINE_FAILURE:
		status = http.StatusBadGateway
	}

	body := gin.H{
		"success": false,
		"error":   err.Error(),
		"code":    string(pipeline.CodeOf(err)),
	}
	var pe *pipeline.PipelineError
	if errors.As(err, &pe) {
		body["error"] = pe.Message
		if pe.Cause != nil {
			body["detail"] = pe.Cause.Error()
		}
	}
	c.JSON(status, body)
}
