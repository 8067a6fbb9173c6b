package pipeline

import (
	"github.com/icuic/video-voice-translator/cmd/internal/engine"
	"github.com/icuic/video-voice-translator/cmd/internal/segment"
)

// 说话人紧凑音轨的时间换算。映射段满足
// compact_end-compact_start == global_end-global_start，全局区间互不相交且有序。

// compactToGlobal 把紧凑时间映射回全局时间。
// 落在映射段之间时吸附到最近一段的边界。
func compactToGlobal(mapping []engine.MappingEntry, compact float64) float64 {
	if len(mapping) == 0 {
		return compact
	}
	for _, m := range mapping {
		if compact < m.CompactStart {
			return m.GlobalStart
		}
		if compact <= m.CompactEnd {
			return m.GlobalStart + (compact - m.CompactStart)
		}
	}
	last := mapping[len(mapping)-1]
	return last.GlobalEnd
}

// globalToCompact 把全局时间映射到紧凑时间轴，
// 时间落在被剪除的静音中时返回下一段的起点
func globalToCompact(mapping []engine.MappingEntry, global float64) float64 {
	if len(mapping) == 0 {
		return global
	}
	for _, m := range mapping {
		if global < m.GlobalStart {
			return m.CompactStart
		}
		if global <= m.GlobalEnd {
			return m.CompactStart + (global - m.GlobalStart)
		}
	}
	last := mapping[len(mapping)-1]
	return last.CompactEnd
}

// remapToGlobal 把在紧凑时间轴上转写出的分段换算到全局时间轴，
// 分段与词级时间戳一并换算并打上说话人标签
func remapToGlobal(segs []engine.TranscribedSegment, track *engine.SpeakerTrack) []engine.TranscribedSegment {
	out := make([]engine.TranscribedSegment, 0, len(segs))
	for _, s := range segs {
		g := engine.TranscribedSegment{
			Start: compactToGlobal(track.Mapping, s.Start),
			End:   compactToGlobal(track.Mapping, s.End),
			Text:  s.Text,
		}
		if len(s.Words) > 0 {
			g.Words = make([]segment.Word, len(s.Words))
			for i, w := range s.Words {
				g.Words[i] = segment.Word{
					Word:  w.Word,
					Start: compactToGlobal(track.Mapping, w.Start),
					End:   compactToGlobal(track.Mapping, w.End),
				}
			}
		}
		out = append(out, g)
	}
	return out
}
