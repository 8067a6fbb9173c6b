package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icuic/video-voice-translator/cmd/internal/eventbus"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
)

// completedWorld 跑完整流水线，返回可做手术操作的环境
func completedWorld(t *testing.T) (*task.Store, *eventbus.Bus, *Executor) {
	t.Helper()
	store, bus, opts := newTestWorld(t, task.Meta{
		SourceFileName: "demo.mp4", SourceLang: "en", TargetLang: "zh", SingleSpeaker: true,
	})
	runToEnd(t, opts)

	exec, err := NewExecutor(opts, testTaskID)
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })
	return store, bus, exec
}

func TestRetranslateSegmentWithOverride(t *testing.T) {
	store, _, exec := completedWorld(t)

	seg, err := exec.RetranslateSegment(context.Background(), 0, "人工润色的译文")
	require.NoError(t, err)
	assert.Equal(t, "人工润色的译文", seg.TranslatedText)
	assert.Empty(t, seg.ClonedAudioPath)
	assert.True(t, seg.Dirty)

	table, err := store.ReadSegmentTable(testTaskID)
	require.NoError(t, err)
	assert.Equal(t, "人工润色的译文", table[0].TranslatedText)
	// 其余分段不受影响
	assert.NotEmpty(t, table[1].ClonedAudioPath)
}

func TestRetranslateSegmentViaEngine(t *testing.T) {
	_, _, exec := completedWorld(t)

	seg, err := exec.RetranslateSegment(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Equal(t, "译:General Kenobi", seg.TranslatedText)
	assert.True(t, seg.Dirty)
}

func TestRetranslateUnknownSegment(t *testing.T) {
	_, _, exec := completedWorld(t)
	_, err := exec.RetranslateSegment(context.Background(), 42, "x")
	require.Error(t, err)
	assert.Equal(t, INVALID_REQUEST, CodeOf(err))
}

func TestResynthesizeSegmentRebuildsClone(t *testing.T) {
	store, bus, exec := completedWorld(t)
	ch, cancel := bus.Subscribe(testTaskID)
	defer cancel()

	_, err := exec.RetranslateSegment(context.Background(), 0, "新译文")
	require.NoError(t, err)

	seg, err := exec.ResynthesizeSegment(context.Background(), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, seg.ClonedAudioPath)
	assert.Empty(t, seg.Error)
	assert.InDelta(t, 0.8, seg.ClonedDuration, 0.01)

	// 任务状态不因手术操作改变
	st, err := store.ReadStatus(testTaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, st.Status)

	waitForEvent(t, ch, eventbus.EventResynthesizeComplete)
}

func TestResynthesizeSegmentWithoutTranslation(t *testing.T) {
	store, _, exec := completedWorld(t)

	table, err := store.ReadSegmentTable(testTaskID)
	require.NoError(t, err)
	table[0].TranslatedText = ""
	require.NoError(t, store.WriteSegmentTable(testTaskID, table))

	_, err = exec.ResynthesizeSegment(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, INVALID_REQUEST, CodeOf(err))
}

func TestRegenerateFinalClearsDirtyBits(t *testing.T) {
	store, bus, exec := completedWorld(t)
	ch, cancel := bus.Subscribe(testTaskID)
	defer cancel()

	_, err := exec.RetranslateSegment(context.Background(), 0, "新译文")
	require.NoError(t, err)
	_, err = exec.ResynthesizeSegment(context.Background(), 0)
	require.NoError(t, err)

	require.NoError(t, exec.RegenerateFinal(context.Background()))

	table, err := store.ReadSegmentTable(testTaskID)
	require.NoError(t, err)
	for _, seg := range table {
		assert.False(t, seg.Dirty)
	}
	waitForEvent(t, ch, eventbus.EventRegenerateComplete)
}

func TestSurgicalOpsRejectedWhileProcessing(t *testing.T) {
	store, _, exec := completedWorld(t)
	_, err := store.PatchStatus(testTaskID, func(s *task.Status) { s.Status = task.StatusProcessing })
	require.NoError(t, err)

	_, err = exec.RetranslateSegment(context.Background(), 0, "x")
	assert.Equal(t, CONFLICT, CodeOf(err))
	_, err = exec.ResynthesizeSegment(context.Background(), 0)
	assert.Equal(t, CONFLICT, CodeOf(err))
	assert.Equal(t, CONFLICT, CodeOf(exec.RegenerateFinal(context.Background())))
}

func waitForEvent(t *testing.T, ch <-chan eventbus.Envelope, want eventbus.EventType) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Type == want {
				return
			}
		case <-deadline:
			t.Fatalf("event %s not observed", want)
		}
	}
}
