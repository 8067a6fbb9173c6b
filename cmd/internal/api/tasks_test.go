package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icuic/video-voice-translator/cmd/internal/engine"
	"github.com/icuic/video-voice-translator/cmd/internal/eventbus"
	"github.com/icuic/video-voice-translator/cmd/internal/pipeline"
	"github.com/icuic/video-voice-translator/cmd/internal/scheduler"
	"github.com/icuic/video-voice-translator/cmd/internal/segment"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
	"github.com/icuic/video-voice-translator/pkg/logger"
)

const rate = 16000

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer 假引擎全家桶 + 真实存储的完整 HTTP 服务
func newTestServer(t *testing.T) (*gin.Engine, *task.Store, *scheduler.Scheduler) {
	t.Helper()
	_, err := logger.Init(logger.Config{Level: "error", Environment: "test"})
	require.NoError(t, err)

	store, err := task.NewStore(t.TempDir())
	require.NoError(t, err)

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

	bus := eventbus.NewBus(64)
	sched := scheduler.New(store, pipeline.Options{
		Store:                 store,
		Bus:                   bus,
		Engines:               engines,
		Merger:                pipeline.NewMerger(media, 2.0, -10),
		PerSegmentParallelism: 2,
		TranslatorBatchSize:   10,
		SilenceSplitGapS:      1.5,
	}, 2)

	router := NewRouter(Deps{Store: store, Sched: sched, Bus: bus, Engines: engines})
	return router, store, sched
}

// uploadRequest 构造 multipart 创建任务请求
func uploadRequest(t *testing.T, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	fw, err := w.CreateFormFile("video", "demo.mp4")
	require.NoError(t, err)
	_, err = fw.Write([]byte("fake video bytes"))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func createTask(t *testing.T, router *gin.Engine, fields map[string]string) string {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, fields))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	return resp.TaskID
}

func doJSON(router *gin.Engine, method, path string, payload any) *httptest.ResponseRecorder {
	var body *bytes.Buffer
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewBuffer(b)
	} else {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func waitCompleted(t *testing.T, store *task.Store, taskID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := store.ReadStatus(taskID)
		require.NoError(t, err)
		if st.Status == task.StatusCompleted {
			return
		}
		if st.Status == task.StatusFailed {
			t.Fatalf("task failed: %s", st.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never completed")
}

func TestCreateTaskArchivesUpload(t *testing.T) {
	router, store, _ := newTestServer(t)
	taskID := createTask(t, router, map[string]string{
		"source_lang": "en", "target_lang": "zh", "single_speaker": "true",
	})

	st, err := store.ReadStatus(taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, st.Status)
	assert.Equal(t, "en", st.SourceLang)
	assert.Equal(t, "zh", st.TargetLang)
	assert.True(t, st.SingleSpeaker)
}

func TestCreateTaskRequiresTargetLang(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, map[string]string{"source_lang": "en"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTaskRejectsBadPausePoint(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, map[string]string{
		"target_lang": "zh", "pause_after": "step7",
	}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskStatusNotFound(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := doJSON(router, http.MethodGet, "/api/v1/tasks/2026-01-01_00-00-00_nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartRunsTaskThroughAPI(t *testing.T) {
	router, store, _ := newTestServer(t)
	taskID := createTask(t, router, map[string]string{
		"source_lang": "en", "target_lang": "zh", "single_speaker": "true",
	})

	w := doJSON(router, http.MethodPost, "/api/v1/tasks/"+taskID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	waitCompleted(t, store, taskID)

	// 状态查询
	w = doJSON(router, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var statusResp struct {
		Status task.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statusResp))
	assert.Equal(t, task.StatusCompleted, statusResp.Status.Status)
	assert.Equal(t, 100, statusResp.Status.Progress)

	// 成片下载
	w = doJSON(router, http.MethodGet, "/api/v1/tasks/"+taskID+"/video", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// 重复启动已完成任务
	w = doJSON(router, http.MethodPost, "/api/v1/tasks/"+taskID+"/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSegmentEditingEndpoints(t *testing.T) {
	router, store, sched := newTestServer(t)
	taskID := createTask(t, router, map[string]string{
		"source_lang": "en", "target_lang": "zh", "single_speaker": "true", "pause_after": "step4",
	})

	w := doJSON(router, http.MethodPost, "/api/v1/tasks/"+taskID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := store.ReadStatus(taskID)
		require.NoError(t, err)
		if st.Status == task.StatusPausedStep4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	sched.Wait(taskID)

	// 列出分段
	w = doJSON(router, http.MethodGet, "/api/v1/tasks/"+taskID+"/segments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Segments segment.Table `json:"segments"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Segments, 1)
	assert.Equal(t, "Hello world", listResp.Segments[0].Text)

	// 在词边界拆分
	w = doJSON(router, http.MethodPost, "/api/v1/tasks/"+taskID+"/segments/split",
		map[string]any{"segment_id": 0, "text_offset": 7})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Segments, 2)
	assert.Equal(t, "Hello", listResp.Segments[0].Text)
	assert.Equal(t, "world", listResp.Segments[1].Text)

	// 批量更新文本
	w = doJSON(router, http.MethodPut, "/api/v1/tasks/"+taskID+"/segments",
		map[string]any{"segments": []map[string]any{{"id": 0, "text": "Edited"}}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 合并回去
	w = doJSON(router, http.MethodPost, "/api/v1/tasks/"+taskID+"/segments/merge",
		map[string]any{"ids": []int{0, 1}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Segments, 1)
	assert.Equal(t, "Edited world", listResp.Segments[0].Text)

	// 不相邻合并应报 400
	w = doJSON(router, http.MethodPost, "/api/v1/tasks/"+taskID+"/segments/merge",
		map[string]any{"ids": []int{0, 2}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelIdleTaskThroughAPI(t *testing.T) {
	router, _, _ := newTestServer(t)
	taskID := createTask(t, router, map[string]string{"target_lang": "zh"})
	w := doJSON(router, http.MethodPost, "/api/v1/tasks/"+taskID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteTask(t *testing.T) {
	router, store, _ := newTestServer(t)
	taskID := createTask(t, router, map[string]string{"target_lang": "zh"})

	w := doJSON(router, http.MethodDelete, "/api/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, err := store.ReadStatus(taskID)
	assert.Error(t, err)
}

func TestListTasks(t *testing.T) {
	router, _, _ := newTestServer(t)
	createTask(t, router, map[string]string{"target_lang": "zh"})

	w := doJSON(router, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
}

func TestHealthAndServicesStatus(t *testing.T) {
	router, _, _ := newTestServer(t)

	w := doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// 假引擎未实现健康检查，汇总视为健康
	w = doJSON(router, http.MethodGet, "/api/v1/services/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Healthy bool `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Healthy)
}
