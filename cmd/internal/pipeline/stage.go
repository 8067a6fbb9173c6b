// Package pipeline 实现九阶段翻译流水线：阶段定义、单任务执行器与配音合成。
package pipeline

// 流水线阶段编号
const (
	StageExtractAudio   = 1
	StageSeparateVocals = 2
	StageSpeakerTracks  = 3
	StageTranscribe     = 4
	StageTranslate      = 5
	StageExtractRefs    = 6
	StageCloneVoices    = 7
	StageMergeVoice     = 8
	StageMux            = 9
)

// stageNames 状态清单中的阶段名，前端直接展示
var stageNames = map[int]string{
	StageExtractAudio:   "提取音频",
	StageSeparateVocals: "人声分离",
	StageSpeakerTracks:  "说话人分轨",
	StageTranscribe:     "语音转写",
	StageTranslate:      "文本翻译",
	StageExtractRefs:    "提取参考音频",
	StageCloneVoices:    "声音克隆",
	StageMergeVoice:     "合成配音轨",
	StageMux:            "合成视频",
}

// metricNames Prometheus 阶段标签
var metricNames = map[int]string{
	StageExtractAudio:   "extract_audio",
	StageSeparateVocals: "separate_vocals",
	StageSpeakerTracks:  "speaker_tracks",
	StageTranscribe:     "transcribe",
	StageTranslate:      "translate",
	StageExtractRefs:    "extract_refs",
	StageCloneVoices:    "clone_voices",
	StageMergeVoice:     "merge_voice",
	StageMux:            "mux",
}

// StageName 返回阶段展示名
func StageName(step int) string {
	return stageNames[step]
}
