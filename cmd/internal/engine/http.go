package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// httpEngine HTTP 模型服务适配器的公共部分
type httpEngine struct {
	name    string
	baseURL string
	client  *http.Client
}

func newHTTPEngine(name, baseURL string, timeout time.Duration) httpEngine {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return httpEngine{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name 实现 HealthChecker
func (e *httpEngine) Name() string { return e.name }

// HealthCheck 探测服务的 /health 端点
func (e *httpEngine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", e.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", e.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s health check returned HTTP %d", e.name, resp.StatusCode)
	}
	return nil
}

// postMultipart 以 multipart/form-data 上传文件与附加字段
func (e *httpEngine) postMultipart(ctx context.Context, path, fileField, filePath string, fields map[string]string) (*http.Response, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(fileField, filepath.Base(filePath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copy file data: %w", err)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", e.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s returned HTTP %d: %s", e.name, resp.StatusCode, string(bodyBytes))
	}
	return resp, nil
}

// postJSON 发送 JSON 请求并解析 JSON 响应
func (e *httpEngine) postJSON(ctx context.Context, path string, reqBody, respBody any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", e.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned HTTP %d: %s", e.name, resp.StatusCode, string(bodyBytes))
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

// writeBase64 把 base64 音频写入目标路径
func writeBase64(dst, b64 string) error {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode audio payload: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// HTTPSeparator 人声分离服务适配器
type HTTPSeparator struct {
	httpEngine
}

// NewHTTPSeparator 创建人声分离适配器
func NewHTTPSeparator(baseURL string, timeout time.Duration) *HTTPSeparator {
	return &HTTPSeparator{newHTTPEngine("vocal-separator", baseURL, timeout)}
}

// Separate 上传整轨音频，落盘人声与可选伴奏
func (s *HTTPSeparator) Separate(ctx context.Context, wavPath, vocalsDst, accompanimentDst string) (*SeparationResult, error) {
	resp, err := s.postMultipart(ctx, "/api/v1/separate", "audio", wavPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Vocals        string  `json:"vocals"`
		Accompaniment string  `json:"accompaniment"`
		MusicLevel    float64 `json:"music_level"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("parse separation response: %w", err)
	}
	if payload.Vocals == "" {
		return nil, fmt.Errorf("separation response missing vocals track")
	}
	if err := writeBase64(vocalsDst, payload.Vocals); err != nil {
		return nil, err
	}
	result := &SeparationResult{VocalsPath: vocalsDst, MusicLevel: payload.MusicLevel}
	if payload.Accompaniment != "" {
		if err := writeBase64(accompanimentDst, payload.Accompaniment); err != nil {
			return nil, err
		}
		result.AccompanimentPath = accompanimentDst
	}
	return result, nil
}

// HTTPTracker 说话人分轨服务适配器
type HTTPTracker struct {
	httpEngine
}

// NewHTTPTracker 创建说话人分轨适配器
func NewHTTPTracker(baseURL string, timeout time.Duration) *HTTPTracker {
	return &HTTPTracker{newHTTPEngine("speaker-tracker", baseURL, timeout)}
}

// Build 上传人声轨，把每个说话人的紧凑音轨与映射写入 outDir
func (t *HTTPTracker) Build(ctx context.Context, vocalsPath, outDir string) ([]SpeakerTrack, error) {
	resp, err := t.postMultipart(ctx, "/api/v1/diarize", "audio", vocalsPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Tracks []struct {
			SpeakerID string         `json:"speaker_id"`
			Audio     string         `json:"audio"`
			Mapping   []MappingEntry `json:"mapping"`
		} `json:"tracks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("parse diarization response: %w", err)
	}
	if len(payload.Tracks) == 0 {
		return nil, fmt.Errorf("diarization returned no speaker tracks")
	}

	tracks := make([]SpeakerTrack, 0, len(payload.Tracks))
	for _, raw := range payload.Tracks {
		wavPath := filepath.Join(outDir, raw.SpeakerID, raw.SpeakerID+".wav")
		if err := writeBase64(wavPath, raw.Audio); err != nil {
			return nil, err
		}
		track := SpeakerTrack{
			SpeakerID:        raw.SpeakerID,
			CompactAudioPath: wavPath,
			Mapping:          raw.Mapping,
		}
		mappingPath := filepath.Join(outDir, raw.SpeakerID, raw.SpeakerID+".json")
		data, err := json.MarshalIndent(raw.Mapping, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(mappingPath, data, 0644); err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

// HTTPTranscriber 语音转写服务适配器
type HTTPTranscriber struct {
	httpEngine
}

// NewHTTPTranscriber 创建转写适配器
func NewHTTPTranscriber(baseURL string, timeout time.Duration) *HTTPTranscriber {
	return &HTTPTranscriber{newHTTPEngine("transcriber", baseURL, timeout)}
}

// Transcribe 上传音频并解析带词级时间戳的转写结果
func (t *HTTPTranscriber) Transcribe(ctx context.Context, wavPath, langHint string) (*Transcription, error) {
	fields := map[string]string{"word_timestamps": "true"}
	if langHint != "" && langHint != "auto" {
		fields["language"] = langHint
	}
	resp, err := t.postMultipart(ctx, "/api/v1/transcribe", "audio", wavPath, fields)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result Transcription
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("parse transcription response: %w", err)
	}
	return &result, nil
}

// HTTPTranslator 翻译服务适配器
type HTTPTranslator struct {
	httpEngine
}

// NewHTTPTranslator 创建翻译适配器
func NewHTTPTranslator(baseURL string, timeout time.Duration) *HTTPTranslator {
	return &HTTPTranslator{newHTTPEngine("translator", baseURL, timeout)}
}

// Translate 批量翻译，结果必须与输入等长
func (t *HTTPTranslator) Translate(ctx context.Context, texts []string, srcLang, tgtLang string) ([]string, error) {
	var payload struct {
		Translations []string `json:"translations"`
	}
	req := map[string]any{
		"texts":       texts,
		"source_lang": srcLang,
		"target_lang": tgtLang,
	}
	if err := t.postJSON(ctx, "/api/v1/translate", req, &payload); err != nil {
		return nil, err
	}
	if len(payload.Translations) != len(texts) {
		return nil, fmt.Errorf("translator returned %d results for %d inputs", len(payload.Translations), len(texts))
	}
	return payload.Translations, nil
}

// HTTPCloner 声音克隆服务适配器
type HTTPCloner struct {
	httpEngine
	threadSafe bool
}

// NewHTTPCloner 创建声音克隆适配器。threadSafe 声明后端是否允许并发调用。
func NewHTTPCloner(baseURL string, timeout time.Duration, threadSafe bool) *HTTPCloner {
	return &HTTPCloner{
		httpEngine: newHTTPEngine("voice-cloner", baseURL, timeout),
		threadSafe: threadSafe,
	}
}

// ThreadSafe 实现 VoiceCloner
func (c *HTTPCloner) ThreadSafe() bool { return c.threadSafe }

// Clone 以参考音频的音色合成目标文本，响应体即 WAV 数据
func (c *HTTPCloner) Clone(ctx context.Context, referenceWAV, targetText, dstWAV string) error {
	resp, err := c.postMultipart(ctx, "/api/v1/clone", "reference", referenceWAV,
		map[string]string{"text": targetText})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dstWAV), 0755); err != nil {
		return err
	}
	tmp := dstWAV + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("write clone output: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dstWAV)
}
