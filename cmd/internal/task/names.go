package task

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// 任务目录内的固定文件名
const (
	StatusJSON       = "status.json"
	TaskParamsJSON   = "00_task_params.json"
	ProcessingLog    = "processing_log.txt"
	SpeakersDir      = "speakers"
	RefAudioDir      = "ref_audio"
	ClonedAudioDir   = "cloned_audio"
	originalInputFmt = "00_original_input%s"
)

var illegalChars = regexp.MustCompile(`[\\/:*?"<>|]`)

// SanitizeBaseName 去掉扩展名并替换文件名中的非法字符
func SanitizeBaseName(fileName string) string {
	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	base = illegalChars.ReplaceAllString(base, "_")
	base = strings.TrimSpace(base)
	if base == "" {
		base = "task"
	}
	return base
}

// NewTaskID 由创建时刻与净化后的源文件名构成任务 ID（同时是目录名）
func NewTaskID(now time.Time, sourceFileName string) string {
	return now.Format("2006-01-02_15-04-05") + "_" + SanitizeBaseName(sourceFileName)
}

// BaseFromTaskID 从任务 ID 中恢复文件名前缀
func BaseFromTaskID(taskID string) string {
	// 格式固定为 YYYY-MM-DD_HH-MM-SS_<base>
	if len(taskID) > 20 {
		return taskID[20:]
	}
	return taskID
}

// OriginalInputName 上传文件在任务目录内的存档名
func OriginalInputName(ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf(originalInputFmt, ext)
}

// 各阶段产物的相对路径。base 为净化后的源文件名前缀。

func AudioWAV(base string) string          { return base + "_01_audio.wav" }
func VocalsWAV(base string) string         { return base + "_02_vocals.wav" }
func AccompanimentWAV(base string) string  { return base + "_02_accompaniment.wav" }
func SeparationJSON(base string) string    { return base + "_02_separation_result.json" }
func TracksJSON(base string) string        { return base + "_03_tracks.json" }
func SegmentsJSON(base string) string      { return base + "_04_segments.json" }
func SegmentsTXT(base string) string       { return base + "_04_segments.txt" }
func WhisperRawJSON(base string) string    { return base + "_04_whisper_raw.json" }
func TranslationTXT(base string) string    { return base + "_05_translation.txt" }
func CloningResultJSON(base string) string { return base + "_07_cloning_result.json" }
func FinalVoiceWAV(base string) string     { return base + "_08_final_voice.wav" }
func MergeResultJSON(base string) string   { return base + "_08_merge_result.json" }
func TranslatedMP4(base string) string     { return base + "_09_translated.mp4" }

// RefSegmentWAV 第 6 步参考音频
func RefSegmentWAV(base string, segID int) string {
	return filepath.Join(RefAudioDir, fmt.Sprintf("%s_06_ref_segment_%03d.wav", base, segID))
}

// CloneSegmentWAV 第 7 步克隆音频
func CloneSegmentWAV(base string, segID int) string {
	return filepath.Join(ClonedAudioDir, fmt.Sprintf("%s_07_segment_%03d.wav", base, segID))
}

// SpeakerWAV 说话人紧凑音轨
func SpeakerWAV(speakerID string) string {
	return filepath.Join(SpeakersDir, speakerID, speakerID+".wav")
}

// SpeakerJSON 说话人时间映射
func SpeakerJSON(speakerID string) string {
	return filepath.Join(SpeakersDir, speakerID, speakerID+".json")
}
