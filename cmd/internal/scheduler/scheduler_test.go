package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icuic/video-voice-translator/cmd/internal/engine"
	"github.com/icuic/video-voice-translator/cmd/internal/eventbus"
	"github.com/icuic/video-voice-translator/cmd/internal/pipeline"
	"github.com/icuic/video-voice-translator/cmd/internal/segment"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
	"github.com/icuic/video-voice-translator/pkg/logger"
)

const rate = 16000

// testRig 一套假引擎调度环境。extractGate 非空时第 1 步会阻塞在该通道上，
// 用来制造"执行中"窗口。
type testRig struct {
	store       *task.Store
	sched       *Scheduler
	extractGate chan struct{}
}

func newRig(t *testing.T, maxConcurrent int, gated bool) *testRig {
	t.Helper()
	_, err := logger.Init(logger.Config{Level: "error", Environment: "test"})
	require.NoError(t, err)

	store, err := task.NewStore(t.TempDir())
	require.NoError(t, err)

	rig := &testRig{store: store}
	if gated {
		rig.extractGate = make(chan struct{})
	}

	writeWAV := func(path string, seconds float64) error {
		n := int(seconds * rate)
		samples := make([]float64, n)
		for i := range samples {
			samples[i] = 0.3
		}
		return pipeline.SaveWAV(path, &pipeline.Clip{Samples: samples, SampleRate: rate})
	}

	media := &engine.MockMedia{
		ProbeDurationFunc: func(ctx context.Context, path string) (float64, error) { return 4.0, nil },
		ExtractClipFunc: func(ctx context.Context, src, dst string, start, duration float64) error {
			return writeWAV(dst, duration)
		},
	}
	engines := engine.Set{
		Extractor: &engine.MockExtractor{ExtractFunc: func(ctx context.Context, src, dstWAV string) error {
			if rig.extractGate != nil {
				select {
				case <-rig.extractGate:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return writeWAV(dstWAV, 4.0)
		}},
		Separator: &engine.MockSeparator{SeparateFunc: func(ctx context.Context, wavPath, vocalsDst, accompanimentDst string) (*engine.SeparationResult, error) {
			if err := writeWAV(vocalsDst, 4.0); err != nil {
				return nil, err
			}
			return &engine.SeparationResult{VocalsPath: vocalsDst}, nil
		}},
		Tracker: &engine.MockTracker{},
		Transcrib: &engine.MockTranscriber{TranscribeFunc: func(ctx context.Context, wavPath, langHint string) (*engine.Transcription, error) {
			return &engine.Transcription{Language: "en", Segments: []engine.TranscribedSegment{
				{Start: 0, End: 1, Text: "Hello world", Words: []segment.Word{
					{Word: "Hello", Start: 0, End: 0.5},
					{Word: " world", Start: 0.5, End: 1},
				}},
			}}, nil
		}},
		Translator: &engine.MockTranslator{TranslateFunc: func(ctx context.Context, texts []string, srcLang, tgtLang string) ([]string, error) {
			out := make([]string, len(texts))
			for i, s := range texts {
				out[i] = "译:" + s
			}
			return out, nil
		}},
		Cloner: &engine.MockCloner{Safe: true, CloneFunc: func(ctx context.Context, referenceWAV, targetText, dstWAV string) error {
			return writeWAV(dstWAV, 0.5)
		}},
		Muxer: &engine.MockMuxer{MuxFunc: func(ctx context.Context, videoPath, voiceWAV, accompanimentWAV, dstPath string) error {
			return writeWAV(dstPath, 0.1)
		}},
		Media: media,
	}

	opts := pipeline.Options{
		Store:                 store,
		Bus:                   eventbus.NewBus(64),
		Engines:               engines,
		Merger:                pipeline.NewMerger(media, 2.0, -10),
		PerSegmentParallelism: 2,
		TranslatorBatchSize:   10,
		SilenceSplitGapS:      1.5,
	}
	rig.sched = New(store, opts, maxConcurrent)
	return rig
}

func (r *testRig) createTask(t *testing.T, taskID string, meta task.Meta) {
	t.Helper()
	_, err := r.store.Create(taskID, meta)
	require.NoError(t, err)
	require.NoError(t, r.store.PutArtifactBytes(taskID, "00_original_input.mp4", []byte("fake")))
}

func waitForStatus(t *testing.T, store *task.Store, taskID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := store.ReadStatus(taskID)
		require.NoError(t, err)
		if st.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := store.ReadStatus(taskID)
	t.Fatalf("task %s never reached %s, stuck at %s", taskID, want, st.Status)
}

func TestStartDrivesTaskToCompletion(t *testing.T) {
	rig := newRig(t, 2, false)
	const id = "2026-01-02_03-04-05_demo"
	rig.createTask(t, id, task.Meta{SourceFileName: "demo.mp4", SourceLang: "en", TargetLang: "zh", SingleSpeaker: true})

	require.NoError(t, rig.sched.Start(context.Background(), id))
	waitForStatus(t, rig.store, id, task.StatusCompleted)
	rig.sched.Wait(id)
	assert.False(t, rig.sched.IsRunning(id))
}

func TestStartUnknownTask(t *testing.T) {
	rig := newRig(t, 1, false)
	err := rig.sched.Start(context.Background(), "2026-01-01_00-00-00_nope")
	require.Error(t, err)
	assert.Equal(t, pipeline.NOT_FOUND, pipeline.CodeOf(err))
}

func TestDuplicateStartIsConflict(t *testing.T) {
	rig := newRig(t, 2, true)
	const id = "2026-01-02_03-04-05_demo"
	rig.createTask(t, id, task.Meta{SourceFileName: "demo.mp4", SourceLang: "en", TargetLang: "zh", SingleSpeaker: true})

	require.NoError(t, rig.sched.Start(context.Background(), id))
	waitForStatus(t, rig.store, id, task.StatusProcessing)

	err := rig.sched.Start(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, pipeline.CONFLICT, pipeline.CodeOf(err))

	close(rig.extractGate)
	rig.sched.Wait(id)
	waitForStatus(t, rig.store, id, task.StatusCompleted)
}

func TestConcurrencyLimitHoldsSecondTask(t *testing.T) {
	rig := newRig(t, 1, true)
	const a = "2026-01-02_03-04-05_first"
	const b = "2026-01-02_03-04-06_second"
	rig.createTask(t, a, task.Meta{SourceFileName: "first.mp4", SourceLang: "en", TargetLang: "zh", SingleSpeaker: true})
	rig.createTask(t, b, task.Meta{SourceFileName: "second.mp4", SourceLang: "en", TargetLang: "zh", SingleSpeaker: true})

	require.NoError(t, rig.sched.Start(context.Background(), a))
	waitForStatus(t, rig.store, a, task.StatusProcessing)
	require.NoError(t, rig.sched.Start(context.Background(), b))

	// b 排队等槽位，状态停留在 pending
	time.Sleep(50 * time.Millisecond)
	st, err := rig.store.ReadStatus(b)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, st.Status)
	assert.Equal(t, 2, rig.sched.RunningCount())

	close(rig.extractGate)
	waitForStatus(t, rig.store, a, task.StatusCompleted)
	waitForStatus(t, rig.store, b, task.StatusCompleted)
}

func TestCancelRunningTask(t *testing.T) {
	rig := newRig(t, 1, true)
	const id = "2026-01-02_03-04-05_demo"
	rig.createTask(t, id, task.Meta{SourceFileName: "demo.mp4", SourceLang: "en", TargetLang: "zh", SingleSpeaker: true})

	require.NoError(t, rig.sched.Start(context.Background(), id))
	waitForStatus(t, rig.store, id, task.StatusProcessing)

	require.NoError(t, rig.sched.Cancel(id))
	close(rig.extractGate)
	waitForStatus(t, rig.store, id, task.StatusFailed)

	st, err := rig.store.ReadStatus(id)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", st.Error)
}

func TestCancelIdleTask(t *testing.T) {
	rig := newRig(t, 1, false)
	const id = "2026-01-02_03-04-05_demo"
	rig.createTask(t, id, task.Meta{SourceFileName: "demo.mp4", SourceLang: "en", TargetLang: "zh", SingleSpeaker: true})

	// pending 且未执行：报冲突
	err := rig.sched.Cancel(id)
	require.Error(t, err)
	assert.Equal(t, pipeline.CONFLICT, pipeline.CodeOf(err))

	// 进程重启遗留的 processing：直接判失败
	_, err = rig.store.PatchStatus(id, func(s *task.Status) { s.Status = task.StatusProcessing })
	require.NoError(t, err)
	require.NoError(t, rig.sched.Cancel(id))
	st, err := rig.store.ReadStatus(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, st.Status)
	assert.Equal(t, "cancelled", st.Error)
}

func TestEditSegmentsInPauseWindow(t *testing.T) {
	rig := newRig(t, 1, false)
	const id = "2026-01-02_03-04-05_demo"
	rig.createTask(t, id, task.Meta{
		SourceFileName: "demo.mp4", SourceLang: "en", TargetLang: "zh",
		SingleSpeaker: true, PauseAfter: task.PauseAfterStep4,
	})

	require.NoError(t, rig.sched.Start(context.Background(), id))
	waitForStatus(t, rig.store, id, task.StatusPausedStep4)
	rig.sched.Wait(id)

	table, err := rig.sched.EditSegments(id, func(t segment.Table) (segment.Table, error) {
		return t.Split(0, 7)
	})
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, "Hello", table[0].Text)
	assert.Equal(t, "world", table[1].Text)

	// 非法编辑不落盘
	_, err = rig.sched.EditSegments(id, func(t segment.Table) (segment.Table, error) {
		return t.Delete([]int{99})
	})
	require.Error(t, err)
	assert.Equal(t, pipeline.INVALID_REQUEST, pipeline.CodeOf(err))

	persisted, err := rig.store.ReadSegmentTable(id)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestEditSegmentsRejectedWhilePending(t *testing.T) {
	rig := newRig(t, 1, false)
	const id = "2026-01-02_03-04-05_demo"
	rig.createTask(t, id, task.Meta{SourceFileName: "demo.mp4", SourceLang: "en", TargetLang: "zh", SingleSpeaker: true})

	_, err := rig.sched.EditSegments(id, func(t segment.Table) (segment.Table, error) { return t, nil })
	require.Error(t, err)
	assert.Equal(t, pipeline.CONFLICT, pipeline.CodeOf(err))
}

func TestSurgicalOpsThroughScheduler(t *testing.T) {
	rig := newRig(t, 1, false)
	const id = "2026-01-02_03-04-05_demo"
	rig.createTask(t, id, task.Meta{SourceFileName: "demo.mp4", SourceLang: "en", TargetLang: "zh", SingleSpeaker: true})

	require.NoError(t, rig.sched.Start(context.Background(), id))
	waitForStatus(t, rig.store, id, task.StatusCompleted)
	rig.sched.Wait(id)

	seg, err := rig.sched.RetranslateSegment(context.Background(), id, 0, "人工译文")
	require.NoError(t, err)
	assert.Equal(t, "人工译文", seg.TranslatedText)
	assert.True(t, seg.Dirty)

	seg, err = rig.sched.ResynthesizeSegment(context.Background(), id, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, seg.ClonedAudioPath)

	require.NoError(t, rig.sched.RegenerateFinal(context.Background(), id))
	table, err := rig.store.ReadSegmentTable(id)
	require.NoError(t, err)
	assert.False(t, table[0].Dirty)
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	rig := newRig(t, 1, true)
	const id = "2026-01-02_03-04-05_demo"
	rig.createTask(t, id, task.Meta{SourceFileName: "demo.mp4", SourceLang: "en", TargetLang: "zh", SingleSpeaker: true})

	require.NoError(t, rig.sched.Start(context.Background(), id))
	waitForStatus(t, rig.store, id, task.StatusProcessing)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(rig.extractGate)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rig.sched.Shutdown(ctx))
	waitForStatus(t, rig.store, id, task.StatusFailed)
}
