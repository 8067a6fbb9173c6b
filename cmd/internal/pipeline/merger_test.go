package pipeline

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icuic/video-voice-translator/cmd/internal/engine"
	"github.com/icuic/video-voice-translator/cmd/internal/segment"
)

const testRate = 16000

// writeTone 生成给定时长与幅度的正弦测试音
func writeTone(t *testing.T, path string, seconds, amp float64) {
	t.Helper()
	n := int(seconds * testRate)
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amp * math.Sin(2*math.Pi*440*float64(i)/testRate)
	}
	require.NoError(t, SaveWAV(path, &Clip{Samples: samples, SampleRate: testRate}))
}

func newTestMerger(media engine.MediaToolkit) *Merger {
	return NewMerger(media, 2.0, -10)
}

func TestMergePlacesCloneAtSegmentStart(t *testing.T) {
	dir := t.TempDir()
	writeTone(t, filepath.Join(dir, "clone_000.wav"), 0.8, 0.5)

	table := segment.Table{
		{ID: 0, Start: 1.0, End: 2.0, Text: "hi", ClonedAudioPath: "clone_000.wav"},
	}
	outcome, err := newTestMerger(&engine.MockMedia{}).Merge(context.Background(), MergeRequest{
		Table:         table,
		TaskDir:       dir,
		TotalDuration: 3.0,
		OutputPath:    filepath.Join(dir, "out.wav"),
		TempDir:       filepath.Join(dir, "tmp"),
	})
	require.NoError(t, err)
	require.Len(t, outcome.Placements, 1)
	assert.InDelta(t, 1.0, outcome.Placements[0].Position, 1e-6)
	assert.InDelta(t, 0.8, outcome.Placements[0].Duration, 0.01)
	assert.False(t, outcome.Placements[0].Silence)

	out, err := LoadWAV(filepath.Join(dir, "out.wav"))
	require.NoError(t, err)
	assert.InDelta(t, 3.0, out.Duration(), 0.01)
	// 分段区间有声，区间外保持静音
	assert.Greater(t, out.RMS(int(1.1*testRate), int(1.7*testRate)), 0.1)
	assert.InDelta(t, 0.0, out.RMS(0, int(0.9*testRate)), 1e-3)
	assert.InDelta(t, 0.0, out.RMS(int(2.1*testRate), int(2.9*testRate)), 1e-3)
}

func TestMergeMissingCloneFallsBackToSilence(t *testing.T) {
	dir := t.TempDir()
	table := segment.Table{
		{ID: 0, Start: 0.0, End: 1.0, Text: "a"},
		{ID: 1, Start: 1.0, End: 2.0, Text: "b", Error: "clone boom"},
	}
	outcome, err := newTestMerger(&engine.MockMedia{}).Merge(context.Background(), MergeRequest{
		Table:         table,
		TaskDir:       dir,
		TotalDuration: 2.0,
		OutputPath:    filepath.Join(dir, "out.wav"),
	})
	require.NoError(t, err)
	require.Len(t, outcome.Placements, 2)
	assert.True(t, outcome.Placements[0].Silence)
	assert.True(t, outcome.Placements[1].Silence)
	assert.Len(t, outcome.Warnings, 2)

	out, err := LoadWAV(filepath.Join(dir, "out.wav"))
	require.NoError(t, err)
	assert.InDelta(t, 0.0, out.Peak(), 1e-6)
}

func TestMergeShiftsOverlappingSegments(t *testing.T) {
	dir := t.TempDir()
	writeTone(t, filepath.Join(dir, "c0.wav"), 1.0, 0.4)
	writeTone(t, filepath.Join(dir, "c1.wav"), 0.5, 0.4)

	table := segment.Table{
		{ID: 0, Start: 0.0, End: 1.0, Text: "a", ClonedAudioPath: "c0.wav"},
		{ID: 1, Start: 0.5, End: 1.5, Text: "b", ClonedAudioPath: "c1.wav"},
	}
	outcome, err := newTestMerger(&engine.MockMedia{}).Merge(context.Background(), MergeRequest{
		Table:         table,
		TaskDir:       dir,
		TotalDuration: 3.0,
		OutputPath:    filepath.Join(dir, "out.wav"),
	})
	require.NoError(t, err)
	require.Len(t, outcome.Placements, 2)
	assert.InDelta(t, 1.0, outcome.Placements[1].Position, 0.01)
	assert.InDelta(t, 0.5, outcome.Placements[1].Shifted, 0.01)
}

func TestMergeCompressesAndTruncatesOverlongClone(t *testing.T) {
	dir := t.TempDir()
	// 克隆为目标时长的 2.5 倍，超出 2.0 倍压缩上限
	writeTone(t, filepath.Join(dir, "c0.wav"), 2.5, 0.4)

	media := &engine.MockMedia{
		TimeStretchFunc: func(ctx context.Context, src, dst string, speed float64) error {
			clip, err := LoadWAV(src)
			if err != nil {
				return err
			}
			n := int(float64(len(clip.Samples)) / speed)
			return SaveWAV(dst, &Clip{Samples: clip.Samples[:n], SampleRate: clip.SampleRate})
		},
	}
	table := segment.Table{
		{ID: 0, Start: 0.0, End: 1.0, Text: "a", ClonedAudioPath: "c0.wav"},
	}
	outcome, err := newTestMerger(media).Merge(context.Background(), MergeRequest{
		Table:         table,
		TaskDir:       dir,
		TotalDuration: 2.0,
		OutputPath:    filepath.Join(dir, "out.wav"),
		TempDir:       filepath.Join(dir, "tmp"),
	})
	require.NoError(t, err)
	require.Len(t, outcome.Placements, 1)
	p := outcome.Placements[0]
	assert.InDelta(t, 2.0, p.Stretch, 1e-6)
	assert.True(t, p.Truncated)
	assert.InDelta(t, 1.0, p.Duration, 0.01)
	require.Len(t, outcome.Warnings, 1)
	assert.Contains(t, outcome.Warnings[0], "压缩后截尾")
}

func TestMergeMatchesVocalLevelWithinCap(t *testing.T) {
	limit := math.Pow(10, 3.0/20)

	vocals := &Clip{SampleRate: testRate, Samples: make([]float64, testRate)}
	for i := range vocals.Samples {
		vocals.Samples[i] = 0.8 * math.Sin(2*math.Pi*440*float64(i)/testRate)
	}
	quiet := &Clip{SampleRate: testRate, Samples: make([]float64, testRate)}
	for i := range quiet.Samples {
		quiet.Samples[i] = 0.05 * math.Sin(2*math.Pi*440*float64(i)/testRate)
	}

	gain := matchLevel(quiet, vocals, 0, 1)
	// 差距远超 3dB，增益应被限幅
	assert.InDelta(t, limit, gain, 1e-9)
}

func TestMergeMixesAccompanimentRelativeToVoicePeak(t *testing.T) {
	dir := t.TempDir()
	writeTone(t, filepath.Join(dir, "c0.wav"), 1.0, 0.5)
	writeTone(t, filepath.Join(dir, "accomp.wav"), 2.0, 0.9)

	table := segment.Table{
		{ID: 0, Start: 0.0, End: 1.0, Text: "a", ClonedAudioPath: "c0.wav"},
	}
	outcome, err := newTestMerger(&engine.MockMedia{}).Merge(context.Background(), MergeRequest{
		Table:             table,
		TaskDir:           dir,
		AccompanimentPath: filepath.Join(dir, "accomp.wav"),
		TotalDuration:     2.0,
		OutputPath:        filepath.Join(dir, "out.wav"),
	})
	require.NoError(t, err)
	assert.True(t, outcome.Accompaniment)

	out, err := LoadWAV(filepath.Join(dir, "out.wav"))
	require.NoError(t, err)
	// 后半段只有伴奏，应明显低于配音电平
	voiceRMS := out.RMS(0, testRate)
	accompRMS := out.RMS(testRate, 2*testRate)
	assert.Greater(t, accompRMS, 0.0)
	assert.Greater(t, voiceRMS, accompRMS*2)
}

func TestMergeRejectsNonPositiveDuration(t *testing.T) {
	_, err := newTestMerger(&engine.MockMedia{}).Merge(context.Background(), MergeRequest{
		TotalDuration: 0,
		OutputPath:    filepath.Join(t.TempDir(), "out.wav"),
	})
	require.Error(t, err)
	assert.Equal(t, INVALID_REQUEST, CodeOf(err))
}

func TestResampleClipPreservesDuration(t *testing.T) {
	clip := &Clip{SampleRate: 16000, Samples: make([]float64, 16000)}
	out := resampleClip(clip, 48000)
	assert.Equal(t, 48000, out.SampleRate)
	assert.InDelta(t, 1.0, out.Duration(), 1e-3)
}

func TestApplyFadeOutSilencesTail(t *testing.T) {
	clip := &Clip{SampleRate: 1000, Samples: make([]float64, 1000)}
	for i := range clip.Samples {
		clip.Samples[i] = 1.0
	}
	applyFadeOut(clip, 0.02)
	assert.InDelta(t, 0.0, clip.Samples[len(clip.Samples)-1], 0.06)
	assert.Equal(t, 1.0, clip.Samples[0])
}
