package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/icuic/video-voice-translator/cmd/internal/eventbus"
	"github.com/icuic/video-voice-translator/cmd/internal/segment"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
)

// 单段手术操作：在任务暂停或完成后对单个分段重翻/重克隆，
// 以及基于当前分段表重新生成配音轨与成片。任务状态不变，
// 结果通过事件广播。

// surgicalAllowed 手术操作只在编辑窗口内开放
func (e *Executor) surgicalAllowed(st *task.Status) error {
	switch st.Status {
	case task.StatusPausedStep5, task.StatusCompleted:
		return nil
	}
	return NewConflictError(fmt.Sprintf("任务状态 %s 不允许分段级操作", st.Status))
}

// RetranslateSegment 重新翻译单个分段。overrideText 非空时直接采用人工译文，
// 不调用翻译引擎。译文变更会使该段克隆音频失效。
func (e *Executor) RetranslateSegment(ctx context.Context, segID int, overrideText string) (*segment.Segment, error) {
	st, err := e.opts.Store.ReadStatus(e.taskID)
	if err != nil {
		return nil, err
	}
	if err := e.surgicalAllowed(st); err != nil {
		return nil, err
	}
	table, err := e.opts.Store.ReadSegmentTable(e.taskID)
	if err != nil {
		return nil, err
	}
	idx := table.Find(segID)
	if idx < 0 {
		return nil, NewInvalidRequestError(fmt.Sprintf("分段 %d 不存在", segID), segment.ErrSegmentMissing)
	}
	seg := &table[idx]

	translated := strings.TrimSpace(overrideText)
	if translated == "" {
		out, err := e.translateBatch(ctx, []string{seg.Text}, st.SourceLang, st.TargetLang)
		if err != nil {
			return nil, err
		}
		translated = out[0]
	}

	seg.TranslatedText = translated
	seg.ClonedAudioPath = ""
	seg.ClonedDuration = 0
	seg.DurationMultiplier = 0
	seg.Error = ""
	seg.Dirty = true
	e.plog.Printf("[Retranslate] 分段 %d 译文已更新", segID)

	if err := e.opts.Store.WriteSegmentTable(e.taskID, table); err != nil {
		return nil, err
	}
	result := table[idx]
	return &result, nil
}

// ResynthesizeSegment 对单个分段重走第 6、7 步：重提参考音频并重新克隆。
// 失败只标记该段错误并广播，不影响任务状态。
func (e *Executor) ResynthesizeSegment(ctx context.Context, segID int) (*segment.Segment, error) {
	st, err := e.opts.Store.ReadStatus(e.taskID)
	if err != nil {
		return nil, err
	}
	if err := e.surgicalAllowed(st); err != nil {
		return nil, err
	}
	table, err := e.opts.Store.ReadSegmentTable(e.taskID)
	if err != nil {
		return nil, err
	}
	idx := table.Find(segID)
	if idx < 0 {
		return nil, NewInvalidRequestError(fmt.Sprintf("分段 %d 不存在", segID), segment.ErrSegmentMissing)
	}
	seg := &table[idx]
	if strings.TrimSpace(seg.TranslatedText) == "" {
		return nil, NewInvalidRequestError(fmt.Sprintf("分段 %d 缺少译文", segID), nil)
	}

	e.plog.Printf("[Resynthesize] 分段 %d 重提参考并重克隆", segID)
	if err := e.extractReference(ctx, seg, e.trackIndex()); err != nil {
		return nil, e.failSegment(table, idx, err)
	}
	if outcome := e.cloneSegment(ctx, seg); outcome.Error != "" {
		return nil, e.failSegment(table, idx, NewEngineError("voice-cloner", fmt.Errorf("%s", outcome.Error)))
	}

	if err := e.opts.Store.WriteSegmentTable(e.taskID, table); err != nil {
		return nil, err
	}
	result := table[idx]
	e.opts.Bus.Publish(e.taskID, eventbus.EventResynthesizeComplete, &result)
	return &result, nil
}

// failSegment 落盘单段错误并广播，任务状态保持不变
func (e *Executor) failSegment(table segment.Table, idx int, cause error) error {
	table[idx].Error = cause.Error()
	if err := e.opts.Store.WriteSegmentTable(e.taskID, table); err != nil {
		e.plog.Printf("[Resynthesize] 写回分段错误失败: %v", err)
	}
	e.opts.Bus.Publish(e.taskID, eventbus.EventError, map[string]any{
		"segment_id": table[idx].ID,
		"error":      cause.Error(),
	})
	return cause
}

// RegenerateFinal 基于当前分段表重走第 8、9 步，
// 重新拼接配音轨并重新合成视频，成功后清除全部脏标记。
func (e *Executor) RegenerateFinal(ctx context.Context) error {
	st, err := e.opts.Store.ReadStatus(e.taskID)
	if err != nil {
		return err
	}
	if st.Status != task.StatusCompleted {
		return NewConflictError(fmt.Sprintf("任务状态 %s 不允许重新生成成片", st.Status))
	}

	e.plog.Printf("[Regenerate] 重新拼接配音轨并合成视频")
	if err := e.runMergeVoice(ctx); err != nil {
		e.opts.Bus.Publish(e.taskID, eventbus.EventError, map[string]any{"error": err.Error()})
		return err
	}
	if err := e.runMux(ctx); err != nil {
		e.opts.Bus.Publish(e.taskID, eventbus.EventError, map[string]any{"error": err.Error()})
		return err
	}

	cur, err := e.opts.Store.ReadStatus(e.taskID)
	if err != nil {
		return err
	}
	e.opts.Bus.Publish(e.taskID, eventbus.EventRegenerateComplete, cur)
	return nil
}

// FinalVideoPath 成片位置，未生成时返回 NOT_FOUND
func (e *Executor) FinalVideoPath() (string, error) {
	p := e.artifact(task.TranslatedMP4(e.base))
	if _, err := os.Stat(p); err != nil {
		return "", NewPipelineError(NOT_FOUND, "成片尚未生成", err)
	}
	return filepath.Clean(p), nil
}
