package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/icuic/video-voice-translator/cmd/internal/engine"
	"github.com/icuic/video-voice-translator/cmd/internal/segment"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
	"github.com/icuic/video-voice-translator/pkg/metrics"
)

// marshalJSON 产物统一两空格缩进，便于人工排查
func marshalJSON(v any) []byte {
	b, _ := json.MarshalIndent(v, "", "  ")
	return b
}

// runExtractAudio 第 1 步：归一化抽取音轨
func (e *Executor) runExtractAudio(ctx context.Context) error {
	src, err := e.sourceInputPath()
	if err != nil {
		return err
	}
	dst := e.artifact(task.AudioWAV(e.base))
	e.plog.Printf("[ExtractAudio] %s -> %s", filepath.Base(src), filepath.Base(dst))
	if err := e.opts.Engines.Extractor.Extract(ctx, src, dst); err != nil {
		metrics.RecordEngineCall("audio_extractor", "failed")
		return NewEngineError("audio-extractor", err)
	}
	metrics.RecordEngineCall("audio_extractor", "success")
	return nil
}

// runSeparateVocals 第 2 步：人声与伴奏分离
func (e *Executor) runSeparateVocals(ctx context.Context) error {
	result, err := e.opts.Engines.Separator.Separate(ctx,
		e.artifact(task.AudioWAV(e.base)),
		e.artifact(task.VocalsWAV(e.base)),
		e.artifact(task.AccompanimentWAV(e.base)),
	)
	if err != nil {
		metrics.RecordEngineCall("vocal_separator", "failed")
		return NewEngineError("vocal-separator", err)
	}
	metrics.RecordEngineCall("vocal_separator", "success")
	e.plog.Printf("[SeparateVocals] 伴奏=%v 音乐电平=%.3f", result.AccompanimentPath != "", result.MusicLevel)
	return e.opts.Store.PutArtifactBytes(e.taskID, task.SeparationJSON(e.base), marshalJSON(result))
}

// runSpeakerTracks 第 3 步：构建说话人紧凑音轨
func (e *Executor) runSpeakerTracks(ctx context.Context) error {
	tracks, err := e.opts.Engines.Tracker.Build(ctx,
		e.artifact(task.VocalsWAV(e.base)),
		e.artifact(task.SpeakersDir),
	)
	if err != nil {
		metrics.RecordEngineCall("speaker_tracker", "failed")
		return NewEngineError("speaker-tracker", err)
	}
	metrics.RecordEngineCall("speaker_tracker", "success")

	// 索引存相对路径，任务目录可整体搬迁
	for i := range tracks {
		if rel, relErr := filepath.Rel(e.dir, tracks[i].CompactAudioPath); relErr == nil {
			tracks[i].CompactAudioPath = rel
		}
	}
	e.plog.Printf("[SpeakerTracks] 识别出 %d 个说话人", len(tracks))
	return e.opts.Store.PutArtifactBytes(e.taskID, task.TracksJSON(e.base), marshalJSON(tracks))
}

// loadTracks 读取说话人音轨索引
func (e *Executor) loadTracks() ([]engine.SpeakerTrack, error) {
	var tracks []engine.SpeakerTrack
	if err := e.opts.Store.ReadJSON(e.taskID, task.TracksJSON(e.base), &tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}

// runTranscribe 第 4 步：转写并建立分段表
func (e *Executor) runTranscribe(ctx context.Context, st *task.Status) error {
	var all []engine.TranscribedSegment
	var speakerOf []string // 与 all 对齐的说话人标签
	rawByTrack := map[string]*engine.Transcription{}

	tracks, tracksErr := e.loadTracks()
	if st.SingleSpeaker || tracksErr != nil || len(tracks) == 0 {
		result, err := e.transcribeOne(ctx, e.artifact(task.VocalsWAV(e.base)), st.SourceLang)
		if err != nil {
			return err
		}
		rawByTrack[""] = result
		all = result.Segments
		speakerOf = make([]string, len(all))
		e.maybeDetectLanguage(st, result.Language)
	} else {
		for ti := range tracks {
			if err := e.checkCancel(ctx); err != nil {
				return err
			}
			track := &tracks[ti]
			e.progress(StageTranscribe, 0, fmt.Sprintf("转写说话人 %s", track.SpeakerID), ti+1, len(tracks))
			result, err := e.transcribeOne(ctx, e.artifact(track.CompactAudioPath), st.SourceLang)
			if err != nil {
				return err
			}
			rawByTrack[track.SpeakerID] = result
			e.maybeDetectLanguage(st, result.Language)

			remapped := remapToGlobal(result.Segments, track)
			all = append(all, remapped...)
			for range remapped {
				speakerOf = append(speakerOf, track.SpeakerID)
			}
		}
	}

	// 长静音处拆分
	all, speakerOf = splitOnSilence(all, speakerOf, e.opts.SilenceSplitGapS)

	table := make(segment.Table, 0, len(all))
	for i, s := range all {
		text := strings.TrimSpace(s.Text)
		if text == "" || s.End <= s.Start {
			continue
		}
		table = append(table, segment.Segment{
			Start:     s.Start,
			End:       s.End,
			Text:      text,
			SpeakerID: speakerOf[i],
			Words:     s.Words,
		})
	}
	table = table.Normalize()
	if err := table.Validate(); err != nil {
		return NewPipelineError(CORRUPT, "转写结果违反分段表约束", err)
	}

	e.plog.Printf("[Transcribe] 产出 %d 个分段", len(table))
	if err := e.opts.Store.PutArtifactBytes(e.taskID, task.WhisperRawJSON(e.base), marshalJSON(rawByTrack)); err != nil {
		return err
	}
	if err := e.opts.Store.WriteSegmentTable(e.taskID, table); err != nil {
		return err
	}
	return e.opts.Store.PutArtifactBytes(e.taskID, task.SegmentsTXT(e.base), renderSegmentsTXT(table))
}

func (e *Executor) transcribeOne(ctx context.Context, wavPath, langHint string) (*engine.Transcription, error) {
	result, err := e.opts.Engines.Transcrib.Transcribe(ctx, wavPath, langHint)
	if err != nil {
		metrics.RecordEngineCall("transcriber", "failed")
		return nil, NewEngineError("transcriber", err)
	}
	metrics.RecordEngineCall("transcriber", "success")
	return result, nil
}

// maybeDetectLanguage auto 模式下把探测到的语言写回状态
func (e *Executor) maybeDetectLanguage(st *task.Status, detected string) {
	if st.SourceLang != "auto" || detected == "" {
		return
	}
	st.SourceLang = detected
	if _, err := e.opts.Store.PatchStatus(e.taskID, func(s *task.Status) {
		s.SourceLang = detected
	}); err != nil {
		e.plog.Printf("[Transcribe] 写回探测语言失败: %v", err)
	}
}

// runTranslate 第 5 步：批量翻译。源语言与目标语言相同时直接抄写。
func (e *Executor) runTranslate(ctx context.Context, st *task.Status) error {
	// 以磁盘副本为准，接住 paused_step4 期间的人工编辑
	table, err := e.opts.Store.ReadSegmentTable(e.taskID)
	if err != nil {
		return err
	}
	cur, err := e.opts.Store.ReadStatus(e.taskID)
	if err != nil {
		return err
	}

	if cur.SourceLang == cur.TargetLang {
		e.plog.Printf("[Translate] 源语言与目标语言一致，跳过翻译引擎")
		for i := range table {
			table[i].TranslatedText = table[i].Text
		}
	} else {
		texts := make([]string, len(table))
		for i := range table {
			texts[i] = table[i].Text
		}
		translations, err := e.translateAll(ctx, texts, cur.SourceLang, cur.TargetLang)
		if err != nil {
			return err
		}
		for i := range table {
			table[i].TranslatedText = translations[i]
		}
	}

	if err := e.opts.Store.WriteSegmentTable(e.taskID, table); err != nil {
		return err
	}
	return e.opts.Store.PutArtifactBytes(e.taskID, task.TranslationTXT(e.base), renderTranslationTXT(table))
}

// translateAll 分批翻译全部文本
func (e *Executor) translateAll(ctx context.Context, texts []string, srcLang, tgtLang string) ([]string, error) {
	out := make([]string, 0, len(texts))
	batchSize := e.opts.TranslatorBatchSize
	for off := 0; off < len(texts); off += batchSize {
		if err := e.checkCancel(ctx); err != nil {
			return nil, err
		}
		end := off + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		e.progress(StageTranslate, 0, "翻译中", end, len(texts))

		batch, err := e.translateBatch(ctx, texts[off:end], srcLang, tgtLang)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// translateBatch 单批调用，失败按 1s/2s/4s 指数退避重试
func (e *Executor) translateBatch(ctx context.Context, batch []string, srcLang, tgtLang string) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.TranslatorMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			e.plog.Printf("[Translate] 第 %d 次重试，退避 %s", attempt, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, NewCancelledError()
			}
		}
		result, err := e.opts.Engines.Translator.Translate(ctx, batch, srcLang, tgtLang)
		if err == nil {
			metrics.RecordEngineCall("translator", "success")
			return result, nil
		}
		metrics.RecordEngineCall("translator", "failed")
		lastErr = err
	}
	return nil, NewEngineError("translator", lastErr)
}

// runExtractRefs 第 6 步：为每个分段截取参考音频
func (e *Executor) runExtractRefs(ctx context.Context) error {
	table, err := e.opts.Store.ReadSegmentTable(e.taskID)
	if err != nil {
		return err
	}
	trackOf := e.trackIndex()

	var done int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.PerSegmentParallelism)
	for i := range table {
		seg := &table[i]
		g.Go(func() error {
			if err := e.checkCancel(gctx); err != nil {
				return err
			}
			if err := e.extractReference(gctx, seg, trackOf); err != nil {
				return err
			}
			e.progress(StageExtractRefs, 0, "提取参考音频", int(atomic.AddInt32(&done, 1)), len(table))
			return nil
		})
	}
	return g.Wait()
}

// extractReference 优先从说话人紧凑音轨截取，退回整轨人声
func (e *Executor) extractReference(ctx context.Context, seg *segment.Segment, trackOf map[string]*engine.SpeakerTrack) error {
	src := e.artifact(task.VocalsWAV(e.base))
	start, duration := seg.Start, seg.Duration()
	if track, ok := trackOf[seg.SpeakerID]; ok && seg.SpeakerID != "" {
		cs := globalToCompact(track.Mapping, seg.Start)
		ce := globalToCompact(track.Mapping, seg.End)
		if ce > cs {
			src = e.artifact(track.CompactAudioPath)
			start, duration = cs, ce-cs
		}
	}
	dst := e.artifact(task.RefSegmentWAV(e.base, seg.ID))
	if err := e.opts.Engines.Media.ExtractClip(ctx, src, dst, start, duration); err != nil {
		return NewEngineError("ffmpeg", err)
	}
	return nil
}

// trackIndex 读取说话人索引为查找表，单说话人任务返回空表
func (e *Executor) trackIndex() map[string]*engine.SpeakerTrack {
	idx := map[string]*engine.SpeakerTrack{}
	tracks, err := e.loadTracks()
	if err != nil {
		return idx
	}
	for i := range tracks {
		idx[tracks[i].SpeakerID] = &tracks[i]
	}
	return idx
}

// cloneOutcome 07_cloning_result.json 的单段记录
type cloneOutcome struct {
	SegmentID  int     `json:"segment_id"`
	Path       string  `json:"path,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// runCloneVoices 第 7 步：逐段克隆。单段失败不终止任务，
// 失败段记录错误并在合成阶段以静音替代。
func (e *Executor) runCloneVoices(ctx context.Context) error {
	table, err := e.opts.Store.ReadSegmentTable(e.taskID)
	if err != nil {
		return err
	}

	// 引擎不保证线程安全时退化为串行
	limit := 1
	if e.opts.Engines.Cloner.ThreadSafe() {
		limit = e.opts.PerSegmentParallelism
	}

	outcomes := make([]cloneOutcome, len(table))
	var done int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range table {
		i := i
		g.Go(func() error {
			if err := e.checkCancel(gctx); err != nil {
				return err
			}
			outcomes[i] = e.cloneSegment(gctx, &table[i])
			e.progress(StageCloneVoices, 0, "声音克隆", int(atomic.AddInt32(&done, 1)), len(table))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var failures []string
	for _, o := range outcomes {
		if o.Error != "" {
			failures = append(failures, fmt.Sprintf("分段 %d: %s", o.SegmentID, o.Error))
		}
	}
	if len(failures) > 0 {
		e.plog.Printf("[CloneVoices] %d 段克隆失败: %s", len(failures), strings.Join(failures, "; "))
		if _, err := e.opts.Store.PatchStatus(e.taskID, func(s *task.Status) {
			s.Message = aggregateWarnings(failures)
		}); err != nil {
			return err
		}
	}

	if err := e.opts.Store.WriteSegmentTable(e.taskID, table); err != nil {
		return err
	}
	return e.opts.Store.PutArtifactBytes(e.taskID, task.CloningResultJSON(e.base), marshalJSON(outcomes))
}

// cloneSegment 克隆单个分段并度量克隆时长
func (e *Executor) cloneSegment(ctx context.Context, seg *segment.Segment) cloneOutcome {
	outcome := cloneOutcome{SegmentID: seg.ID}
	if strings.TrimSpace(seg.TranslatedText) == "" {
		seg.Error = "缺少译文"
		outcome.Error = seg.Error
		return outcome
	}

	ref := e.artifact(task.RefSegmentWAV(e.base, seg.ID))
	rel := task.CloneSegmentWAV(e.base, seg.ID)
	dst := e.artifact(rel)
	if err := e.opts.Engines.Cloner.Clone(ctx, ref, seg.TranslatedText, dst); err != nil {
		metrics.RecordEngineCall("voice_cloner", "failed")
		seg.Error = err.Error()
		outcome.Error = seg.Error
		return outcome
	}
	metrics.RecordEngineCall("voice_cloner", "success")

	seg.Error = ""
	seg.ClonedAudioPath = rel
	seg.OriginalDuration = seg.Duration()
	seg.Dirty = true
	if clip, err := LoadWAV(dst); err == nil {
		seg.ClonedDuration = clip.Duration()
		if seg.OriginalDuration > 0 {
			seg.DurationMultiplier = seg.ClonedDuration / seg.OriginalDuration
		}
	}
	outcome.Path = rel
	outcome.Duration = seg.ClonedDuration
	outcome.Multiplier = seg.DurationMultiplier
	return outcome
}

// runMergeVoice 第 8 步：拼接完整配音轨
func (e *Executor) runMergeVoice(ctx context.Context) error {
	table, err := e.opts.Store.ReadSegmentTable(e.taskID)
	if err != nil {
		return err
	}
	duration, err := e.opts.Engines.Media.ProbeDuration(ctx, e.artifact(task.AudioWAV(e.base)))
	if err != nil {
		return NewEngineError("ffprobe", err)
	}

	req := MergeRequest{
		Table:         table,
		TaskDir:       e.dir,
		VocalsPath:    e.artifact(task.VocalsWAV(e.base)),
		TotalDuration: duration,
		OutputPath:    e.artifact(task.FinalVoiceWAV(e.base)),
		TempDir:       filepath.Join(e.dir, ".merge_tmp"),
	}
	if _, statErr := os.Stat(e.artifact(task.AccompanimentWAV(e.base))); statErr == nil {
		req.AccompanimentPath = e.artifact(task.AccompanimentWAV(e.base))
	}
	if _, statErr := os.Stat(req.VocalsPath); statErr != nil {
		req.VocalsPath = ""
	}

	outcome, err := e.opts.Merger.Merge(ctx, req)
	defer os.RemoveAll(req.TempDir)
	if err != nil {
		return err
	}

	if msg := aggregateWarnings(outcome.Warnings); msg != "" {
		if _, err := e.opts.Store.PatchStatus(e.taskID, func(s *task.Status) {
			s.Message = msg
		}); err != nil {
			return err
		}
	}

	// 合成成功即认为克隆音频已被消费，清除脏标记
	for i := range table {
		table[i].Dirty = false
	}
	if err := e.opts.Store.WriteSegmentTable(e.taskID, table); err != nil {
		return err
	}
	return e.opts.Store.PutArtifactBytes(e.taskID, task.MergeResultJSON(e.base), marshalJSON(outcome))
}

// runMux 第 9 步：把配音轨混回原视频
func (e *Executor) runMux(ctx context.Context) error {
	src, err := e.sourceInputPath()
	if err != nil {
		return err
	}
	accomp := ""
	if _, statErr := os.Stat(e.artifact(task.AccompanimentWAV(e.base))); statErr == nil {
		accomp = e.artifact(task.AccompanimentWAV(e.base))
	}
	if err := e.opts.Engines.Muxer.Mux(ctx, src,
		e.artifact(task.FinalVoiceWAV(e.base)), accomp,
		e.artifact(task.TranslatedMP4(e.base))); err != nil {
		metrics.RecordEngineCall("muxer", "failed")
		return NewEngineError("muxer", err)
	}
	metrics.RecordEngineCall("muxer", "success")
	return nil
}

// splitOnSilence 在词间静音达到阈值处拆分转写分段
func splitOnSilence(segs []engine.TranscribedSegment, speakers []string, gap float64) ([]engine.TranscribedSegment, []string) {
	var outSegs []engine.TranscribedSegment
	var outSpk []string
	for si, s := range segs {
		if len(s.Words) < 2 {
			outSegs = append(outSegs, s)
			outSpk = append(outSpk, speakers[si])
			continue
		}
		cur := 0
		for wi := 0; wi < len(s.Words)-1; wi++ {
			if s.Words[wi+1].Start-s.Words[wi].End >= gap {
				outSegs = append(outSegs, subSegment(s, cur, wi+1))
				outSpk = append(outSpk, speakers[si])
				cur = wi + 1
			}
		}
		outSegs = append(outSegs, subSegment(s, cur, len(s.Words)))
		outSpk = append(outSpk, speakers[si])
	}
	return outSegs, outSpk
}

// subSegment 从词区间 [from, to) 构造子分段
func subSegment(s engine.TranscribedSegment, from, to int) engine.TranscribedSegment {
	words := s.Words[from:to]
	start, end := s.Start, s.End
	if from > 0 {
		start = words[0].Start
	}
	if to < len(s.Words) {
		end = words[len(words)-1].End
	}
	var b strings.Builder
	for _, w := range words {
		b.WriteString(w.Word)
	}
	return engine.TranscribedSegment{
		Start: start,
		End:   end,
		Text:  strings.TrimSpace(b.String()),
		Words: append([]segment.Word(nil), words...),
	}
}

// renderSegmentsTXT 可读转写文本
func renderSegmentsTXT(table segment.Table) []byte {
	var b strings.Builder
	for i := range table {
		seg := &table[i]
		b.WriteString(fmt.Sprintf("[%03d] %.2f - %.2f", seg.ID, seg.Start, seg.End))
		if seg.SpeakerID != "" {
			b.WriteString("  " + seg.SpeakerID)
		}
		b.WriteString("\n")
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return []byte(b.String())
}

// renderTranslationTXT 双语对照文本
func renderTranslationTXT(table segment.Table) []byte {
	var b strings.Builder
	for i := range table {
		seg := &table[i]
		b.WriteString(fmt.Sprintf("[%03d] %.2f - %.2f\n", seg.ID, seg.Start, seg.End))
		b.WriteString(seg.Text + "\n")
		b.WriteString(seg.TranslatedText + "\n\n")
	}
	return []byte(b.String())
}
