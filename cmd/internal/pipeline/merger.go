package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/icuic/video-voice-translator/cmd/internal/engine"
	"github.com/icuic/video-voice-translator/cmd/internal/segment"
)

// Merger 第 8 步：把克隆音频按分段时间拼接成完整配音轨。
// 给定相同输入，输出逐字节一致。
type Merger struct {
	Media               engine.MediaToolkit
	MaxStretch          float64
	AccompanimentGainDB float64
}

// NewMerger 创建合成器
func NewMerger(media engine.MediaToolkit, maxStretch, accompanimentGainDB float64) *Merger {
	if maxStretch < 1.0 {
		maxStretch = 2.0
	}
	return &Merger{
		Media:               media,
		MaxStretch:          maxStretch,
		AccompanimentGainDB: accompanimentGainDB,
	}
}

// MergeRequest 合成输入。克隆路径为相对 TaskDir 的路径。
type MergeRequest struct {
	Table             segment.Table
	TaskDir           string
	VocalsPath        string // 原始人声轨，用于响度匹配，可为空
	AccompanimentPath string // 伴奏轨，可为空
	TotalDuration     float64
	OutputPath        string
	TempDir           string
}

// Placement 单个分段的摆放记录
type Placement struct {
	SegmentID int     `json:"segment_id"`
	Position  float64 `json:"position"`
	Duration  float64 `json:"duration"`
	Stretch   float64 `json:"stretch,omitempty"`
	Truncated bool    `json:"truncated,omitempty"`
	Shifted   float64 `json:"shifted,omitempty"`
	Silence   bool    `json:"silence,omitempty"`
	Gain      float64 `json:"gain,omitempty"`
}

// MergeOutcome 合成结果摘要，归档为 08_merge_result.json
type MergeOutcome struct {
	OutputPath    string      `json:"output_path"`
	Duration      float64     `json:"duration"`
	SampleRate    int         `json:"sample_rate"`
	Placements    []Placement `json:"placements"`
	Warnings      []string    `json:"warnings,omitempty"`
	Accompaniment bool        `json:"accompaniment"`
}

const overlapEpsilon = 1e-9

// Merge 执行合成。算法：
//  1. 按目标采样率分配与原始媒体等长的静音轨
//  2. 按 start 升序摆放克隆；过长的克隆先限幅变速压缩，仍超出则截尾
//  3. 与上一分段重叠时整体后移，越过轨尾则截断
//  4. 按原始人声的 RMS 对克隆做 ±3dB 内的响度匹配
//  5. 存在伴奏时按配置增益混入
func (m *Merger) Merge(ctx context.Context, req MergeRequest) (*MergeOutcome, error) {
	if req.TotalDuration <= 0 {
		return nil, NewInvalidRequestError("合成要求正的总时长", nil)
	}

	var vocals *Clip
	if req.VocalsPath != "" {
		v, err := LoadWAV(req.VocalsPath)
		if err != nil {
			return nil, NewIOError("读取人声轨失败", err)
		}
		vocals = v
	}
	var accomp *Clip
	if req.AccompanimentPath != "" {
		a, err := LoadWAV(req.AccompanimentPath)
		if err != nil {
			return nil, NewIOError("读取伴奏轨失败", err)
		}
		accomp = a
	}

	sampleRate := m.pickSampleRate(req, accomp)
	track := &Clip{
		Samples:    make([]float64, int(math.Round(req.TotalDuration*float64(sampleRate)))),
		SampleRate: sampleRate,
	}

	outcome := &MergeOutcome{
		OutputPath:    req.OutputPath,
		Duration:      req.TotalDuration,
		SampleRate:    sampleRate,
		Accompaniment: accomp != nil,
	}

	prevEnd := 0.0
	for i := range req.Table {
		seg := &req.Table[i]
		placement, err := m.placeSegment(ctx, track, vocals, seg, req, prevEnd, outcome)
		if err != nil {
			return nil, err
		}
		outcome.Placements = append(outcome.Placements, *placement)
		if !placement.Silence {
			prevEnd = placement.Position + placement.Duration
		}
	}

	if accomp != nil {
		m.mixAccompaniment(track, accomp)
	}

	// 防削波：峰值超限时整体归一
	if peak := track.Peak(); peak > 0.99 {
		scale := 0.99 / peak
		for i := range track.Samples {
			track.Samples[i] *= scale
		}
	}

	if err := SaveWAV(req.OutputPath, track); err != nil {
		return nil, NewIOError("写入配音轨失败", err)
	}
	return outcome, nil
}

// pickSampleRate 采样率取首个可读克隆的采样率，否则取伴奏，最后兜底 16k
func (m *Merger) pickSampleRate(req MergeRequest, accomp *Clip) int {
	for i := range req.Table {
		if req.Table[i].ClonedAudioPath == "" || req.Table[i].Error != "" {
			continue
		}
		clip, err := LoadWAV(filepath.Join(req.TaskDir, req.Table[i].ClonedAudioPath))
		if err == nil && clip.SampleRate > 0 {
			return clip.SampleRate
		}
	}
	if accomp != nil && accomp.SampleRate > 0 {
		return accomp.SampleRate
	}
	return 16000
}

// placeSegment 摆放单个分段的克隆音频
func (m *Merger) placeSegment(ctx context.Context, track, vocals *Clip, seg *segment.Segment, req MergeRequest, prevEnd float64, outcome *MergeOutcome) (*Placement, error) {
	placement := &Placement{SegmentID: seg.ID, Position: seg.Start}

	// 克隆缺失或失败：该段保持静音
	if seg.ClonedAudioPath == "" || seg.Error != "" {
		placement.Silence = true
		if seg.Error != "" {
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("分段 %d 克隆失败，以静音替代: %s", seg.ID, seg.Error))
		} else {
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("分段 %d 缺少克隆音频，以静音替代", seg.ID))
		}
		return placement, nil
	}

	clonePath := filepath.Join(req.TaskDir, seg.ClonedAudioPath)
	clip, err := LoadWAV(clonePath)
	if err != nil {
		return nil, NewIOError(fmt.Sprintf("读取分段 %d 克隆音频失败", seg.ID), err)
	}

	target := seg.Duration()
	actual := clip.Duration()

	// 过长克隆：限幅变速压缩
	if actual > target+overlapEpsilon {
		needed := actual / target
		speed := math.Min(needed, m.MaxStretch)
		stretched, err := m.stretchClip(ctx, clonePath, req.TempDir, seg.ID, speed)
		if err != nil {
			return nil, err
		}
		clip = stretched
		placement.Stretch = speed
		if needed > m.MaxStretch {
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("分段 %d 克隆时长 %.2fs 超过目标 %.2fs 的 %.1f 倍上限，压缩后截尾",
					seg.ID, actual, target, m.MaxStretch))
		}
		actual = clip.Duration()
	}

	// 压缩后仍超出目标区间则截尾
	if actual > target+overlapEpsilon {
		clip = truncateClip(clip, target)
		actual = target
		placement.Truncated = true
	}

	if clip.SampleRate != track.SampleRate {
		clip = resampleClip(clip, track.SampleRate)
	}

	// 响度匹配：以原始人声同区间 RMS 为基准，限幅 ±3dB
	if vocals != nil {
		placement.Gain = matchLevel(clip, vocals, seg.Start, seg.End)
	}

	// 重叠修复：与上一分段重叠时整体后移
	position := seg.Start
	if position < prevEnd-overlapEpsilon {
		placement.Shifted = prevEnd - position
		position = prevEnd
	}
	placement.Position = position

	// 摆放并在轨尾截断，20ms 渐出避免爆音
	applyFadeOut(clip, 0.02)
	startIdx := int(math.Round(position * float64(track.SampleRate)))
	n := copy(track.Samples[min(startIdx, len(track.Samples)):], clip.Samples)
	if n < len(clip.Samples) {
		placement.Truncated = true
	}
	placement.Duration = float64(n) / float64(track.SampleRate)
	return placement, nil
}

// stretchClip 调外部工具把克隆按 speed 倍速压缩后读回
func (m *Merger) stretchClip(ctx context.Context, clonePath, tempDir string, segID int, speed float64) (*Clip, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, NewIOError("创建临时目录失败", err)
	}
	dst := filepath.Join(tempDir, fmt.Sprintf("stretch_%03d.wav", segID))
	if err := m.Media.TimeStretch(ctx, clonePath, dst, speed); err != nil {
		return nil, NewEngineError("ffmpeg", err)
	}
	clip, err := LoadWAV(dst)
	if err != nil {
		return nil, NewIOError("读取变速结果失败", err)
	}
	return clip, nil
}

// matchLevel 把克隆 RMS 调整到原始人声同区间电平，增益限幅 ±3dB
func matchLevel(clip, vocals *Clip, start, end float64) float64 {
	from := int(start * float64(vocals.SampleRate))
	to := int(end * float64(vocals.SampleRate))
	ref := vocals.RMS(from, to)
	cur := clip.RMS(0, len(clip.Samples))
	if ref <= 0 || cur <= 0 {
		return 0
	}
	gain := ref / cur
	limit := math.Pow(10, 3.0/20) // ±3dB
	if gain > limit {
		gain = limit
	} else if gain < 1/limit {
		gain = 1 / limit
	}
	for i := range clip.Samples {
		clip.Samples[i] *= gain
	}
	return gain
}

// mixAccompaniment 把伴奏按配置增益（相对配音峰值）混入
func (m *Merger) mixAccompaniment(track, accomp *Clip) {
	if accomp.SampleRate != track.SampleRate {
		accomp = resampleClip(accomp, track.SampleRate)
	}
	voicePeak := track.Peak()
	accompPeak := accomp.Peak()
	if accompPeak <= 0 {
		return
	}
	if voicePeak <= 0 {
		voicePeak = 1.0
	}
	gain := voicePeak * math.Pow(10, m.AccompanimentGainDB/20) / accompPeak
	n := min(len(track.Samples), len(accomp.Samples))
	for i := 0; i < n; i++ {
		track.Samples[i] += accomp.Samples[i] * gain
	}
}

// truncateClip 截尾到目标时长
func truncateClip(clip *Clip, duration float64) *Clip {
	n := int(math.Round(duration * float64(clip.SampleRate)))
	if n > len(clip.Samples) {
		n = len(clip.Samples)
	}
	return &Clip{Samples: clip.Samples[:n], SampleRate: clip.SampleRate}
}

// resampleClip 线性插值重采样
func resampleClip(clip *Clip, rate int) *Clip {
	if clip.SampleRate == rate || len(clip.Samples) == 0 {
		return &Clip{Samples: clip.Samples, SampleRate: rate}
	}
	ratio := float64(clip.SampleRate) / float64(rate)
	n := int(math.Round(float64(len(clip.Samples)) / ratio))
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		lo := int(pos)
		if lo >= len(clip.Samples)-1 {
			out[i] = clip.Samples[len(clip.Samples)-1]
			continue
		}
		frac := pos - float64(lo)
		out[i] = clip.Samples[lo]*(1-frac) + clip.Samples[lo+1]*frac
	}
	return &Clip{Samples: out, SampleRate: rate}
}

// applyFadeOut 尾部线性渐出
func applyFadeOut(clip *Clip, seconds float64) {
	n := int(seconds * float64(clip.SampleRate))
	if n > len(clip.Samples) {
		n = len(clip.Samples)
	}
	for i := 0; i < n; i++ {
		idx := len(clip.Samples) - n + i
		clip.Samples[idx] *= float64(n-i) / float64(n)
	}
}
