package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FFmpeg 封装外部媒体工具调用（音频抽取、混流、变速、探测）。
// 约定：退出码 0 即成功，产物路径由调用方指定。
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	Timeout     time.Duration
}

// NewFFmpeg 创建媒体工具封装
func NewFFmpeg(ffmpegPath, ffprobePath string, timeout time.Duration) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, Timeout: timeout}
}

// run 执行命令并捕获输出，失败时附带输出末尾便于定位
func (f *FFmpeg) run(ctx context.Context, name string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(output)
		if len(tail) > 2000 {
			tail = tail[len(tail)-2000:]
		}
		return fmt.Errorf("%s %s: %w\n%s", name, strings.Join(args, " "), err, tail)
	}
	return nil
}

// extractArgs 归一化为 16kHz 单声道 PCM WAV
func extractArgs(src, dst string) []string {
	return []string{
		"-y", "-i", src,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		dst,
	}
}

// Extract 实现 AudioExtractor
func (f *FFmpeg) Extract(ctx context.Context, src, dstWAV string) error {
	return f.run(ctx, f.FFmpegPath, extractArgs(src, dstWAV))
}

// muxArgs 复制视频流并混音。accompaniment 为空时直接映射配音轨。
func muxArgs(video, voice, accompaniment, dst string) []string {
	if accompaniment == "" {
		return []string{
			"-y", "-i", video, "-i", voice,
			"-c:v", "copy",
			"-c:a", "aac",
			"-map", "0:v:0",
			"-map", "1:a:0",
			dst,
		}
	}
	return []string{
		"-y", "-i", video, "-i", voice, "-i", accompaniment,
		"-c:v", "copy",
		"-c:a", "aac",
		"-filter_complex",
		"[2:a]volume=0.3[accompaniment_low];[1:a][accompaniment_low]amix=inputs=2:duration=first[aout]",
		"-map", "0:v:0",
		"-map", "[aout]",
		dst,
	}
}

// Mux 实现 Muxer
func (f *FFmpeg) Mux(ctx context.Context, videoPath, voiceWAV, accompanimentWAV, dstPath string) error {
	return f.run(ctx, f.FFmpegPath, muxArgs(videoPath, voiceWAV, accompanimentWAV, dstPath))
}

// atempoFilter 构造变速滤镜链。atempo 单级建议不超过 1.2 倍，
// 更大的系数拆成 1.2 与余量两级。
func atempoFilter(speed float64) string {
	if speed > 1.2 {
		return fmt.Sprintf("atempo=1.2,atempo=%.6f", speed/1.2)
	}
	return fmt.Sprintf("atempo=%.6f", speed)
}

// stretchArgs 时间压缩参数
func stretchArgs(src, dst string, speed float64) []string {
	return []string{
		"-y", "-i", src,
		"-filter:a", atempoFilter(speed),
		"-acodec", "pcm_s16le",
		dst,
	}
}

// TimeStretch 把音频按 speed 倍速压缩（speed > 1 变短）
func (f *FFmpeg) TimeStretch(ctx context.Context, src, dst string, speed float64) error {
	return f.run(ctx, f.FFmpegPath, stretchArgs(src, dst, speed))
}

// clipArgs 截取片段并重采样为 16kHz 单声道
func clipArgs(src, dst string, start, duration float64) []string {
	return []string{
		"-y",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(duration),
		"-i", src,
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		dst,
	}
}

// ExtractClip 从 src 截取 [start, start+duration) 写入 dst
func (f *FFmpeg) ExtractClip(ctx context.Context, src, dst string, start, duration float64) error {
	return f.run(ctx, f.FFmpegPath, clipArgs(src, dst, start, duration))
}

// ProbeDuration 用 ffprobe 读取媒体时长（秒）
func (f *FFmpeg) ProbeDuration(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w\n%s", path, err, string(output))
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: unexpected output %q", path, string(output))
	}
	return dur, nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
