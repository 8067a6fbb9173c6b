package engine

import (
	"context"
	"fmt"
)

// 供测试使用的引擎替身：行为由函数字段注入，未注入的调用返回错误。
// 导出类型，流水线与调度相关的测试都依赖它们。

// MockExtractor AudioExtractor 替身
type MockExtractor struct {
	ExtractFunc func(ctx context.Context, src, dstWAV string) error
}

func (m *MockExtractor) Extract(ctx context.Context, src, dstWAV string) error {
	if m.ExtractFunc == nil {
		return fmt.Errorf("MockExtractor: ExtractFunc not set")
	}
	return m.ExtractFunc(ctx, src, dstWAV)
}

// MockSeparator VocalSeparator 替身
type MockSeparator struct {
	SeparateFunc func(ctx context.Context, wavPath, vocalsDst, accompanimentDst string) (*SeparationResult, error)
}

func (m *MockSeparator) Separate(ctx context.Context, wavPath, vocalsDst, accompanimentDst string) (*SeparationResult, error) {
	if m.SeparateFunc == nil {
		return nil, fmt.Errorf("MockSeparator: SeparateFunc not set")
	}
	return m.SeparateFunc(ctx, wavPath, vocalsDst, accompanimentDst)
}

// MockTracker SpeakerTracker 替身
type MockTracker struct {
	BuildFunc func(ctx context.Context, vocalsPath, outDir string) ([]SpeakerTrack, error)
}

func (m *MockTracker) Build(ctx context.Context, vocalsPath, outDir string) ([]SpeakerTrack, error) {
	if m.BuildFunc == nil {
		return nil, fmt.Errorf("MockTracker: BuildFunc not set")
	}
	return m.BuildFunc(ctx, vocalsPath, outDir)
}

// MockTranscriber Transcriber 替身
type MockTranscriber struct {
	TranscribeFunc func(ctx context.Context, wavPath, langHint string) (*Transcription, error)
}

func (m *MockTranscriber) Transcribe(ctx context.Context, wavPath, langHint string) (*Transcription, error) {
	if m.TranscribeFunc == nil {
		return nil, fmt.Errorf("MockTranscriber: TranscribeFunc not set")
	}
	return m.TranscribeFunc(ctx, wavPath, langHint)
}

// MockTranslator Translator 替身
type MockTranslator struct {
	TranslateFunc func(ctx context.Context, texts []string, srcLang, tgtLang string) ([]string, error)
	Calls         int
}

func (m *MockTranslator) Translate(ctx context.Context, texts []string, srcLang, tgtLang string) ([]string, error) {
	m.Calls++
	if m.TranslateFunc == nil {
		return nil, fmt.Errorf("MockTranslator: TranslateFunc not set")
	}
	return m.TranslateFunc(ctx, texts, srcLang, tgtLang)
}

// MockCloner VoiceCloner 替身
type MockCloner struct {
	CloneFunc func(ctx context.Context, referenceWAV, targetText, dstWAV string) error
	Safe      bool
}

func (m *MockCloner) Clone(ctx context.Context, referenceWAV, targetText, dstWAV string) error {
	if m.CloneFunc == nil {
		return fmt.Errorf("MockCloner: CloneFunc not set")
	}
	return m.CloneFunc(ctx, referenceWAV, targetText, dstWAV)
}

func (m *MockCloner) ThreadSafe() bool { return m.Safe }

// MockMuxer Muxer 替身
type MockMuxer struct {
	MuxFunc func(ctx context.Context, videoPath, voiceWAV, accompanimentWAV, dstPath string) error
}

func (m *MockMuxer) Mux(ctx context.Context, videoPath, voiceWAV, accompanimentWAV, dstPath string) error {
	if m.MuxFunc == nil {
		return fmt.Errorf("MockMuxer: MuxFunc not set")
	}
	return m.MuxFunc(ctx, videoPath, voiceWAV, accompanimentWAV, dstPath)
}

// MockMedia MediaToolkit 替身
type MockMedia struct {
	ExtractClipFunc   func(ctx context.Context, src, dst string, start, duration float64) error
	TimeStretchFunc   func(ctx context.Context, src, dst string, speed float64) error
	ProbeDurationFunc func(ctx context.Context, path string) (float64, error)
}

func (m *MockMedia) ExtractClip(ctx context.Context, src, dst string, start, duration float64) error {
	if m.ExtractClipFunc == nil {
		return fmt.Errorf("MockMedia: ExtractClipFunc not set")
	}
	return m.ExtractClipFunc(ctx, src, dst, start, duration)
}

func (m *MockMedia) TimeStretch(ctx context.Context, src, dst string, speed float64) error {
	if m.TimeStretchFunc == nil {
		return fmt.Errorf("MockMedia: TimeStretchFunc not set")
	}
	return m.TimeStretchFunc(ctx, src, dst, speed)
}

func (m *MockMedia) ProbeDuration(ctx context.Context, path string) (float64, error) {
	if m.ProbeDurationFunc == nil {
		return 0, fmt.Errorf("MockMedia: ProbeDurationFunc not set")
	}
	return m.ProbeDurationFunc(ctx, path)
}
