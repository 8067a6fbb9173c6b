// merge-voice 离线重跑配音合成：读取任务目录里的分段表与克隆音频，
// 重新生成 08_final_voice.wav，按需再封装 09_translated.mp4。
// 服务器不在线或需要手工调参（压缩上限、伴奏增益）时使用。
//
// 用法:
//
//	merge-voice -task-dir ./tasks/2026-01-02_03-04-05_demo [-mux] [-max-stretch 2.0]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/icuic/video-voice-translator/cmd/internal/engine"
	"github.com/icuic/video-voice-translator/cmd/internal/pipeline"
	"github.com/icuic/video-voice-translator/cmd/internal/segment"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
)

func main() {
	var (
		taskDir    = flag.String("task-dir", "", "任务目录（必填）")
		ffmpegPath = flag.String("ffmpeg", "ffmpeg", "ffmpeg 可执行文件路径")
		probePath  = flag.String("ffprobe", "ffprobe", "ffprobe 可执行文件路径")
		maxStretch = flag.Float64("max-stretch", 2.0, "超长克隆音频的最大压缩倍率")
		accompGain = flag.Float64("accompaniment-gain-db", -6, "伴奏相对人声峰值的增益 (dB)")
		doMux      = flag.Bool("mux", false, "合成后重新封装成片")
		timeout    = flag.Duration("timeout", 10*time.Minute, "单次 ffmpeg 调用超时")
	)
	flag.Parse()

	if *taskDir == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*taskDir, *ffmpegPath, *probePath, *maxStretch, *accompGain, *doMux, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "merge-voice: %v\n", err)
		os.Exit(1)
	}
}

func run(taskDir, ffmpegPath, probePath string, maxStretch, accompGain float64, doMux bool, timeout time.Duration) error {
	dir, err := filepath.Abs(taskDir)
	if err != nil {
		return err
	}
	taskID := filepath.Base(dir)
	base := task.BaseFromTaskID(taskID)
	if base == "" {
		return fmt.Errorf("目录名不是任务 ID: %s", taskID)
	}

	table, err := loadTable(filepath.Join(dir, task.SegmentsJSON(base)))
	if err != nil {
		return err
	}

	ffmpeg := engine.NewFFmpeg(ffmpegPath, probePath, timeout)
	ctx := context.Background()

	audioPath := filepath.Join(dir, task.AudioWAV(base))
	total, err := ffmpeg.ProbeDuration(ctx, audioPath)
	if err != nil {
		return fmt.Errorf("探测原始音频时长失败: %w", err)
	}

	req := pipeline.MergeRequest{
		Table:         table,
		TaskDir:       dir,
		TotalDuration: total,
		OutputPath:    filepath.Join(dir, task.FinalVoiceWAV(base)),
		TempDir:       filepath.Join(dir, ".merge_tmp"),
	}
	if p := filepath.Join(dir, task.VocalsWAV(base)); fileExists(p) {
		req.VocalsPath = p
	}
	if p := filepath.Join(dir, task.AccompanimentWAV(base)); fileExists(p) {
		req.AccompanimentPath = p
	}
	defer os.RemoveAll(req.TempDir)

	merger := pipeline.NewMerger(ffmpeg, maxStretch, accompGain)
	outcome, err := merger.Merge(ctx, req)
	if err != nil {
		return fmt.Errorf("合成失败: %w", err)
	}

	if data, err := json.MarshalIndent(outcome, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, task.MergeResultJSON(base)), data, 0o644)
	}
	fmt.Printf("配音轨已生成: %s (%.2fs, %d 段", req.OutputPath, outcome.Duration, len(outcome.Placements))
	if len(outcome.Warnings) > 0 {
		fmt.Printf(", %d 条告警", len(outcome.Warnings))
	}
	fmt.Println(")")
	for _, w := range outcome.Warnings {
		fmt.Printf("  警告: %s\n", w)
	}

	if !doMux {
		return nil
	}
	video, err := findOriginalInput(dir)
	if err != nil {
		return err
	}
	dst := filepath.Join(dir, task.TranslatedMP4(base))
	if err := ffmpeg.Mux(ctx, video, req.OutputPath, req.AccompanimentPath, dst); err != nil {
		return fmt.Errorf("封装成片失败: %w", err)
	}
	fmt.Printf("成片已生成: %s\n", dst)
	return nil
}

func loadTable(path string) (segment.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取分段表失败: %w", err)
	}
	var table segment.Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("解析分段表失败: %w", err)
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("分段表校验失败: %w", err)
	}
	return table, nil
}

// findOriginalInput 在任务目录里找归档的原始视频（扩展名随上传而变）
func findOriginalInput(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "00_original_input.*"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("任务目录缺少原始视频 00_original_input.*")
	}
	return matches[0], nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
