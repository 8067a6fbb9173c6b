package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/icuic/video-voice-translator/cmd/internal/pipeline"
	"github.com/icuic/video-voice-translator/cmd/internal/segment"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
	"github.com/icuic/video-voice-translator/pkg/logger"
)

// Scheduler 负责任务级并发控制：全局并发上限、同任务互斥、
// 协作式取消。每个启动的任务由一个后台 goroutine 驱动执行器。
type Scheduler struct {
	store *task.Store
	opts  pipeline.Options
	sem   *semaphore.Weighted
	log   *slog.Logger

	mu      sync.Mutex
	running map[string]*handle
	wg      sync.WaitGroup
}

type handle struct {
	exec *pipeline.Executor
	done chan struct{}
}

// New 创建调度器。maxConcurrent 为同时处于执行中的任务上限。
func New(store *task.Store, opts pipeline.Options, maxConcurrent int) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		store:   store,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		log:     logger.L().With("component", "scheduler"),
		running: make(map[string]*handle),
	}
}

// Start 异步推进任务：pending 起跑，paused_step4/paused_step5 续跑。
// 任务已在执行中时返回 CONFLICT。
func (s *Scheduler) Start(ctx context.Context, taskID string) error {
	st, err := s.store.ReadStatus(taskID)
	if err != nil {
		return pipeline.NewPipelineError(pipeline.NOT_FOUND, fmt.Sprintf("任务 %s 不存在", taskID), err)
	}
	switch st.Status {
	case task.StatusPending, task.StatusPausedStep4, task.StatusPausedStep5:
	default:
		return pipeline.NewConflictError(fmt.Sprintf("任务状态 %s 不允许启动", st.Status))
	}

	s.mu.Lock()
	if _, busy := s.running[taskID]; busy {
		s.mu.Unlock()
		return pipeline.NewConflictError(fmt.Sprintf("任务 %s 已在执行中", taskID))
	}
	exec, err := pipeline.NewExecutor(s.opts, taskID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	h := &handle{exec: exec, done: make(chan struct{})}
	s.running[taskID] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drive(ctx, taskID, h)
	return nil
}

// drive 占用一个并发槽位后驱动执行器到终点或暂停点
func (s *Scheduler) drive(ctx context.Context, taskID string, h *handle) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, taskID)
		s.mu.Unlock()
		close(h.done)
		h.exec.Close()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.log.Warn("acquire slot failed", "task_id", taskID, "error", err)
		return
	}
	defer s.sem.Release(1)

	s.log.Info("task started", "task_id", taskID)
	if err := h.exec.Run(ctx); err != nil {
		s.log.Warn("task stopped with error", "task_id", taskID, "error", err)
		return
	}
	s.log.Info("task stopped", "task_id", taskID)
}

// Cancel 置协作式取消标志。任务未在执行中时：
// 状态仍显示 processing（如进程重启遗留）则直接标记失败，否则报冲突。
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	h, busy := s.running[taskID]
	s.mu.Unlock()
	if busy {
		h.exec.Cancel()
		return nil
	}

	st, err := s.store.ReadStatus(taskID)
	if err != nil {
		return pipeline.NewPipelineError(pipeline.NOT_FOUND, fmt.Sprintf("任务 %s 不存在", taskID), err)
	}
	if st.Status == task.StatusProcessing {
		_, err := s.store.PatchStatus(taskID, func(st *task.Status) {
			st.Status = task.StatusFailed
			st.Error = "cancelled"
		})
		return err
	}
	return pipeline.NewConflictError(fmt.Sprintf("任务状态 %s 不可取消", st.Status))
}

// IsRunning 任务是否由本进程的执行器驱动中
func (s *Scheduler) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.running[taskID]
	return busy
}

// RunningCount 执行中的任务数
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// surgical 在任务未被执行器占用时创建短命执行器做分段级操作
func (s *Scheduler) surgical(taskID string, fn func(*pipeline.Executor) error) error {
	s.mu.Lock()
	if _, busy := s.running[taskID]; busy {
		s.mu.Unlock()
		return pipeline.NewConflictError(fmt.Sprintf("任务 %s 正在执行中", taskID))
	}
	// 占位防止操作期间任务被并发启动
	h := &handle{done: make(chan struct{})}
	s.running[taskID] = h
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, taskID)
		s.mu.Unlock()
		close(h.done)
	}()

	exec, err := pipeline.NewExecutor(s.opts, taskID)
	if err != nil {
		return err
	}
	defer exec.Close()
	return fn(exec)
}

// RetranslateSegment 重翻单个分段，overrideText 非空时采用人工译文
func (s *Scheduler) RetranslateSegment(ctx context.Context, taskID string, segID int, overrideText string) (*segment.Segment, error) {
	var out *segment.Segment
	err := s.surgical(taskID, func(exec *pipeline.Executor) error {
		seg, err := exec.RetranslateSegment(ctx, segID, overrideText)
		out = seg
		return err
	})
	return out, err
}

// ResynthesizeSegment 对单个分段重提参考音频并重新克隆
func (s *Scheduler) ResynthesizeSegment(ctx context.Context, taskID string, segID int) (*segment.Segment, error) {
	var out *segment.Segment
	err := s.surgical(taskID, func(exec *pipeline.Executor) error {
		seg, err := exec.ResynthesizeSegment(ctx, segID)
		out = seg
		return err
	})
	return out, err
}

// RegenerateFinal 基于当前分段表重新生成配音轨与成片
func (s *Scheduler) RegenerateFinal(ctx context.Context, taskID string) error {
	return s.surgical(taskID, func(exec *pipeline.Executor) error {
		return exec.RegenerateFinal(ctx)
	})
}

// EditSegments 在任务空闲时对分段表执行编辑回调，落盘前校验不变量
func (s *Scheduler) EditSegments(taskID string, edit func(segment.Table) (segment.Table, error)) (segment.Table, error) {
	var out segment.Table
	err := s.surgical(taskID, func(exec *pipeline.Executor) error {
		st, err := s.store.ReadStatus(taskID)
		if err != nil {
			return err
		}
		switch st.Status {
		case task.StatusPausedStep4, task.StatusPausedStep5, task.StatusCompleted:
		default:
			return pipeline.NewConflictError(fmt.Sprintf("任务状态 %s 不允许编辑分段", st.Status))
		}
		table, err := s.store.ReadSegmentTable(taskID)
		if err != nil {
			return err
		}
		edited, err := edit(table)
		if err != nil {
			return pipeline.NewInvalidRequestError("分段编辑被拒绝", err)
		}
		if err := s.store.WriteSegmentTable(taskID, edited); err != nil {
			return err
		}
		out = edited
		return nil
	})
	return out, err
}

// Shutdown 取消全部执行中的任务并等待退出
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, h := range s.running {
		if h.exec != nil {
			h.exec.Cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait 阻塞到指定任务的当前一轮执行结束，供测试与优雅停机使用
func (s *Scheduler) Wait(taskID string) {
	s.mu.Lock()
	h, busy := s.running[taskID]
	s.mu.Unlock()
	if busy {
		<-h.done
	}
}
