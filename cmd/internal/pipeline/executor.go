package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/icuic/video-voice-translator/cmd/internal/engine"
	"github.com/icuic/video-voice-translator/cmd/internal/eventbus"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
	"github.com/icuic/video-voice-translator/pkg/metrics"
)

// Options 执行器依赖与调参
type Options struct {
	Store   *task.Store
	Bus     *eventbus.Bus
	Engines engine.Set
	Merger  *Merger

	PerSegmentParallelism int
	TranslatorBatchSize   int
	TranslatorMaxRetries  int
	SilenceSplitGapS      float64
}

// Executor 驱动单个任务走完流水线。每个任务同一时刻至多一个执行器。
type Executor struct {
	opts   Options
	taskID string
	base   string
	dir    string

	cancelled atomic.Bool
	plog      *log.Logger
	logCloser interface{ Close() error }
}

// NewExecutor 创建任务执行器，processing_log.txt 同步打开
func NewExecutor(opts Options, taskID string) (*Executor, error) {
	dir, err := opts.Store.Dir(taskID)
	if err != nil {
		return nil, NewPipelineError(NOT_FOUND, "任务不存在", err)
	}
	if opts.PerSegmentParallelism < 1 {
		opts.PerSegmentParallelism = 1
	}
	if opts.TranslatorBatchSize < 1 {
		opts.TranslatorBatchSize = 20
	}
	if opts.SilenceSplitGapS <= 0 {
		opts.SilenceSplitGapS = 1.5
	}

	lw := opts.Store.ProcessingLogWriter(taskID)
	return &Executor{
		opts:      opts,
		taskID:    taskID,
		base:      task.BaseFromTaskID(taskID),
		dir:       dir,
		plog:      log.New(lw, "", log.LstdFlags),
		logCloser: lw,
	}, nil
}

// TaskID 返回执行器绑定的任务
func (e *Executor) TaskID() string { return e.taskID }

// Cancel 置协作式取消标志，执行器在下一个暂停点观察到后退出
func (e *Executor) Cancel() { e.cancelled.Store(true) }

// Close 释放任务日志
func (e *Executor) Close() error { return e.logCloser.Close() }

// checkCancel 在阶段边界与逐段迭代处调用
func (e *Executor) checkCancel(ctx context.Context) error {
	if e.cancelled.Load() {
		return NewCancelledError()
	}
	if err := ctx.Err(); err != nil {
		return NewCancelledError()
	}
	return nil
}

// artifact 任务目录内的绝对路径
func (e *Executor) artifact(rel string) string {
	return filepath.Join(e.dir, rel)
}

// Run 从当前状态推进到完成、暂停点或失败
func (e *Executor) Run(ctx context.Context) error {
	metrics.IncActiveTasks()
	defer metrics.DecActiveTasks()

	st, err := e.opts.Store.ReadStatus(e.taskID)
	if err != nil {
		return err
	}

	var startStep int
	switch st.Status {
	case task.StatusPending:
		startStep = StageExtractAudio
	case task.StatusPausedStep4:
		startStep = StageTranslate
	case task.StatusPausedStep5:
		startStep = StageExtractRefs
	default:
		return NewConflictError(fmt.Sprintf("任务状态 %s 不允许启动", st.Status))
	}

	e.plog.Printf("[Executor] 任务 %s 从第 %d 步开始执行", e.taskID, startStep)
	if _, err := e.patchAndPublish(func(s *task.Status) {
		s.Status = task.StatusProcessing
		s.Error = ""
	}, eventbus.EventStatus); err != nil {
		return err
	}

	paused, runErr := e.runStages(ctx, startStep, st)
	if runErr != nil {
		return e.fail(runErr)
	}
	if paused {
		return nil
	}
	return e.complete()
}

// runStages 依次执行各阶段，返回是否停在暂停检查点
func (e *Executor) runStages(ctx context.Context, startStep int, st *task.Status) (bool, error) {
	for step := startStep; step <= StageMux; step++ {
		if step == StageSpeakerTracks && st.SingleSpeaker {
			e.plog.Printf("[Executor] 单说话人模式，跳过第 3 步")
			continue
		}
		if err := e.checkCancel(ctx); err != nil {
			return false, err
		}

		e.progress(step, stageProgressBase(step), fmt.Sprintf("开始%s", StageName(step)), 0, 0)
		t0 := time.Now()

		var err error
		switch step {
		case StageExtractAudio:
			err = e.runExtractAudio(ctx)
		case StageSeparateVocals:
			err = e.runSeparateVocals(ctx)
		case StageSpeakerTracks:
			err = e.runSpeakerTracks(ctx)
		case StageTranscribe:
			err = e.runTranscribe(ctx, st)
		case StageTranslate:
			err = e.runTranslate(ctx, st)
		case StageExtractRefs:
			err = e.runExtractRefs(ctx)
		case StageCloneVoices:
			err = e.runCloneVoices(ctx)
		case StageMergeVoice:
			err = e.runMergeVoice(ctx)
		case StageMux:
			err = e.runMux(ctx)
		}
		metrics.RecordStageDuration(metricNames[step], time.Since(t0).Seconds())
		if err != nil {
			e.plog.Printf("[Executor] 第 %d 步失败: %v", step, err)
			return false, err
		}
		e.plog.Printf("[Executor] 第 %d 步完成，耗时 %s", step, time.Since(t0).Round(time.Millisecond))
		e.progress(step, stageProgressBase(step+1), fmt.Sprintf("%s完成", StageName(step)), 0, 0)

		if step == StageTranscribe && st.PauseAfter == task.PauseAfterStep4 {
			return true, e.pause(task.StatusPausedStep4, step)
		}
		if step == StageTranslate && st.PauseAfter == task.PauseAfterStep5 {
			return true, e.pause(task.StatusPausedStep5, step)
		}
	}
	return false, nil
}

// stageProgressBase 阶段起点对应的总体进度
func stageProgressBase(step int) int {
	if step > StageMux {
		return 100
	}
	return (step - 1) * 100 / 9
}

// pause 停在检查点
func (e *Executor) pause(status string, step int) error {
	e.plog.Printf("[Executor] 停在检查点 %s", status)
	_, err := e.patchAndPublish(func(s *task.Status) {
		s.Status = status
		s.CurrentStep = step
		s.Message = "等待人工确认"
	}, eventbus.EventStatus)
	return err
}

// complete 置完成态
func (e *Executor) complete() error {
	metrics.RecordTaskFinished(task.StatusCompleted)
	e.plog.Printf("[Executor] 任务 %s 完成", e.taskID)
	_, err := e.patchAndPublish(func(s *task.Status) {
		s.Status = task.StatusCompleted
		s.CurrentStep = StageMux
		s.Progress = 100
		if s.Message == "" {
			s.Message = "处理完成"
		}
	}, eventbus.EventStatus)
	return err
}

// fail 置失败态并广播错误事件。取消也走失败路径。
func (e *Executor) fail(cause error) error {
	metrics.RecordTaskFinished(task.StatusFailed)
	msg := cause.Error()
	if CodeOf(cause) == CANCELLED {
		msg = "cancelled"
	}
	e.plog.Printf("[Executor] 任务 %s 失败: %s", e.taskID, msg)
	if _, err := e.patchAndPublish(func(s *task.Status) {
		s.Status = task.StatusFailed
		s.Error = msg
	}, eventbus.EventError); err != nil {
		return err
	}
	return cause
}

// progress 更新状态并广播进度事件
func (e *Executor) progress(step, pct int, message string, curSeg, totSeg int) {
	st, err := e.opts.Store.PatchStatus(e.taskID, func(s *task.Status) {
		s.CurrentStep = step
		s.StepName = StageName(step)
		if pct > 0 {
			s.Progress = pct
		}
		if message != "" {
			s.Message = message
		}
		s.CurrentSegment = curSeg
		s.TotalSegments = totSeg
	})
	if err != nil {
		e.plog.Printf("[Executor] 更新进度失败: %v", err)
		return
	}
	e.opts.Bus.Publish(e.taskID, eventbus.EventProgress, st)
}

// patchAndPublish 更新状态清单并广播指定类型事件
func (e *Executor) patchAndPublish(apply func(*task.Status), eventType eventbus.EventType) (*task.Status, error) {
	st, err := e.opts.Store.PatchStatus(e.taskID, apply)
	if err != nil {
		return nil, err
	}
	e.opts.Bus.Publish(e.taskID, eventType, st)
	return st, nil
}

// sourceInputPath 定位任务目录内归档的原始输入
func (e *Executor) sourceInputPath() (string, error) {
	matches, err := filepath.Glob(e.artifact("00_original_input.*"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if len(matches) == 0 {
		return "", NewPipelineError(NOT_FOUND, "缺少原始输入文件", nil)
	}
	return matches[0], nil
}

// aggregateWarnings 把逐段告警折叠进状态 message
func aggregateWarnings(warnings []string) string {
	if len(warnings) == 0 {
		return ""
	}
	if len(warnings) <= 3 {
		return strings.Join(warnings, "；")
	}
	return fmt.Sprintf("%s；另有 %d 条告警见 processing_log.txt",
		strings.Join(warnings[:3], "；"), len(warnings)-3)
}
