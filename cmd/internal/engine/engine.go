// Package engine 定义流水线消费的引擎接口与各后端适配器。
// 模型本体运行在独立服务中，这里只做窄接口封装：
// 每个引擎一个阻塞调用，超时与取消通过 context 控制。
package engine

import (
	"context"

	"github.com/icuic/video-voice-translator/cmd/internal/segment"
)

// AudioExtractor 第 1 步：把输入媒体归一化为 16kHz 单声道 PCM WAV
type AudioExtractor interface {
	Extract(ctx context.Context, src, dstWAV string) error
}

// SeparationResult 人声分离结果。未检测到伴奏时 AccompanimentPath 为空。
type SeparationResult struct {
	VocalsPath        string  `json:"vocals_path"`
	AccompanimentPath string  `json:"accompaniment_path,omitempty"`
	MusicLevel        float64 `json:"music_level"`
}

// VocalSeparator 第 2 步：分离人声与伴奏
type VocalSeparator interface {
	Separate(ctx context.Context, wavPath, vocalsDst, accompanimentDst string) (*SeparationResult, error)
}

// MappingEntry 紧凑时间轴到全局时间轴的一段映射，
// 恒有 CompactEnd-CompactStart == GlobalEnd-GlobalStart
type MappingEntry struct {
	CompactStart float64 `json:"compact_start"`
	CompactEnd   float64 `json:"compact_end"`
	GlobalStart  float64 `json:"global_start"`
	GlobalEnd    float64 `json:"global_end"`
}

// SpeakerTrack 单个说话人的紧凑音轨与时间映射
type SpeakerTrack struct {
	SpeakerID        string         `json:"speaker_id"`
	CompactAudioPath string         `json:"compact_audio_path"`
	Mapping          []MappingEntry `json:"mapping"`
}

// SpeakerTracker 第 3 步：构建按说话人分离的紧凑音轨。
// 产物写入 outDir 下的 <speaker_id>/<speaker_id>.wav 与 .json。
type SpeakerTracker interface {
	Build(ctx context.Context, vocalsPath, outDir string) ([]SpeakerTrack, error)
}

// TranscribedSegment 转写输出的一条分段，词级时间戳位于 [Start, End] 内
type TranscribedSegment struct {
	Start float64        `json:"start"`
	End   float64        `json:"end"`
	Text  string         `json:"text"`
	Words []segment.Word `json:"words,omitempty"`
}

// Transcription 转写结果
type Transcription struct {
	Language string               `json:"language"`
	Segments []TranscribedSegment `json:"segments"`
}

// Transcriber 第 4 步：带词级时间戳的语音转写。
// langHint 为空或 "auto" 时自动检测语言。
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath, langHint string) (*Transcription, error)
}

// Translator 第 5 步：批量翻译，结果与输入等长。
// 调用方负责在 srcLang == tgtLang 时跳过调用。
type Translator interface {
	Translate(ctx context.Context, texts []string, srcLang, tgtLang string) ([]string, error)
}

// VoiceCloner 第 7 步：以参考音频的音色朗读目标文本。
// ThreadSafe 声明实现是否允许并发调用，否则执行器串行化。
type VoiceCloner interface {
	Clone(ctx context.Context, referenceWAV, targetText, dstWAV string) error
	ThreadSafe() bool
}

// Muxer 第 9 步：复制视频流，把配音（及可选伴奏）混为单一音轨。
// accompanimentWAV 为空表示无伴奏。
type Muxer interface {
	Mux(ctx context.Context, videoPath, voiceWAV, accompanimentWAV, dstPath string) error
}

// HealthChecker 可选的健康检查能力，服务状态接口会探测实现了它的引擎
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	Name() string
}

// MediaToolkit 裁剪、变速、探测时长等本地媒体操作，
// 生产实现为 FFmpeg
type MediaToolkit interface {
	ExtractClip(ctx context.Context, src, dst string, start, duration float64) error
	TimeStretch(ctx context.Context, src, dst string, speed float64) error
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Set 执行器消费的一组引擎
type Set struct {
	Extractor  AudioExtractor
	Separator  VocalSeparator
	Tracker    SpeakerTracker
	Transcrib  Transcriber
	Translator Translator
	Cloner     VoiceCloner
	Muxer      Muxer
	Media      MediaToolkit
}
