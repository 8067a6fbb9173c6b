package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 表示流水线域错误类型代码
type ErrorCode string

const (
	// INVALID_REQUEST 参数非法、未知任务、分段表不变量被破坏
	INVALID_REQUEST ErrorCode = "INVALID_REQUEST"

	// CONFLICT 重复启动、状态机不允许的操作
	CONFLICT ErrorCode = "CONFLICT"

	// ENGINE_FAILURE 下游模型或外部工具失败/超时
	ENGINE_FAILURE ErrorCode = "ENGINE_FAILURE"

	// IO_FAILURE 文件系统或序列化故障
	IO_FAILURE ErrorCode = "IO_FAILURE"

	// CANCELLED 协作式取消被观察到
	CANCELLED ErrorCode = "CANCELLED"

	// CORRUPT 磁盘状态校验失败
	CORRUPT ErrorCode = "CORRUPT"

	// NOT_FOUND 任务或产物不存在
	NOT_FOUND ErrorCode = "NOT_FOUND"
)

// PipelineError 表示带类型代码的流水线错误
type PipelineError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error 实现 error 接口
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现错误链支持
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewPipelineError 创建流水线错误
func NewPipelineError(code ErrorCode, message string, cause error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewEngineError 创建引擎失败错误
func NewEngineError(engine string, cause error) *PipelineError {
	return NewPipelineError(ENGINE_FAILURE, fmt.Sprintf("引擎 %s 调用失败", engine), cause)
}

// NewIOError 创建文件系统错误
func NewIOError(message string, cause error) *PipelineError {
	return NewPipelineError(IO_FAILURE, message, cause)
}

// NewConflictError 创建状态冲突错误
func NewConflictError(message string) *PipelineError {
	return NewPipelineError(CONFLICT, message, nil)
}

// NewInvalidRequestError 创建非法请求错误
func NewInvalidRequestError(message string, cause error) *PipelineError {
	return NewPipelineError(INVALID_REQUEST, message, cause)
}

// NewCancelledError 创建取消错误
func NewCancelledError() *PipelineError {
	return NewPipelineError(CANCELLED, "cancelled", nil)
}

// CodeOf 提取错误代码，非 PipelineError 一律归为 IO_FAILURE
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return IO_FAILURE
}
