package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 统一配置结构
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Data        DataConfig        `yaml:"data"`
	Log         LogConfig         `yaml:"log"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Merger      MergerConfig      `yaml:"merger"`
	Translator  TranslatorConfig  `yaml:"translator"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Engines     EnginesConfig     `yaml:"engines"`
	EventBus    EventBusConfig    `yaml:"event_bus"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Env  string `yaml:"env"` // dev, staging, production
	Port string `yaml:"port"`
}

// DataConfig 数据目录配置
type DataConfig struct {
	TasksDir string `yaml:"tasks_dir"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

// PipelineConfig 流水线调度配置
type PipelineConfig struct {
	MaxConcurrentTasks    int `yaml:"max_concurrent_tasks"`
	PerSegmentParallelism int `yaml:"per_segment_parallelism"`
}

// MergerConfig 合成配置
type MergerConfig struct {
	MaxStretch          float64 `yaml:"max_stretch"`
	AccompanimentGainDB float64 `yaml:"accompaniment_gain_db"`
}

// TranslatorConfig 翻译引擎配置
type TranslatorConfig struct {
	BatchSize  int `yaml:"batch_size"`
	MaxRetries int `yaml:"max_retries"`
}

// TranscriberConfig 转写引擎配置
type TranscriberConfig struct {
	SilenceSplitGapS float64 `yaml:"silence_split_gap_s"`
}

// EnginesConfig 模型服务地址与超时配置
type EnginesConfig struct {
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	FFprobePath     string        `yaml:"ffprobe_path"`
	SeparatorURL    string        `yaml:"separator_url"`
	TrackerURL      string        `yaml:"tracker_url"`
	TranscriberURL  string        `yaml:"transcriber_url"`
	TranslatorURL   string        `yaml:"translator_url"`
	VoiceClonerURL  string        `yaml:"voice_cloner_url"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	ThreadSafeClone bool          `yaml:"thread_safe_clone"`
}

// EventBusConfig 事件总线配置
type EventBusConfig struct {
	QueueCapacity int `yaml:"event_queue_capacity"`
}

// GlobalConfig 全局配置实例
var GlobalConfig *Config

// DefaultConfig 返回所有键的缺省值
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Env: "dev", Port: "8000"},
		Data:   DataConfig{TasksDir: "./tasks"},
		Log:    LogConfig{Level: "info", Format: "console"},
		Pipeline: PipelineConfig{
			MaxConcurrentTasks:    1,
			PerSegmentParallelism: 2,
		},
		Merger: MergerConfig{
			MaxStretch:          2.0,
			AccompanimentGainDB: -6,
		},
		Translator: TranslatorConfig{
			BatchSize:  20,
			MaxRetries: 3,
		},
		Transcriber: TranscriberConfig{SilenceSplitGapS: 1.5},
		Engines: EnginesConfig{
			FFmpegPath:      "ffmpeg",
			FFprobePath:     "ffprobe",
			SeparatorURL:    "http://localhost:9001",
			TrackerURL:      "http://localhost:9002",
			TranscriberURL:  "http://localhost:9003",
			TranslatorURL:   "http://localhost:9004",
			VoiceClonerURL:  "http://localhost:9005",
			CallTimeout:     10 * time.Minute,
			ThreadSafeClone: false,
		},
		EventBus: EventBusConfig{QueueCapacity: 64},
	}
}

// LoadConfig 加载配置：缺省值 <- YAML 文件（可选）<- 环境变量
// 配置文件路径取自 CONFIG_FILE，未设置时跳过文件层
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.ApplyRuntimeDefaults()

	GlobalConfig = cfg
	return cfg, nil
}

// applyEnv 环境变量覆盖文件与缺省值
func applyEnv(cfg *Config) {
	cfg.Server.Env = getEnv("ENV", cfg.Server.Env)
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Data.TasksDir = getEnv("TASKS_DIR", cfg.Data.TasksDir)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	cfg.Pipeline.MaxConcurrentTasks = getEnvInt("MAX_CONCURRENT_TASKS", cfg.Pipeline.MaxConcurrentTasks)
	cfg.Pipeline.PerSegmentParallelism = getEnvInt("PER_SEGMENT_PARALLELISM", cfg.Pipeline.PerSegmentParallelism)
	cfg.Merger.MaxStretch = getEnvFloat("MERGER_MAX_STRETCH", cfg.Merger.MaxStretch)
	cfg.Merger.AccompanimentGainDB = getEnvFloat("MERGER_ACCOMPANIMENT_GAIN_DB", cfg.Merger.AccompanimentGainDB)
	cfg.Translator.BatchSize = getEnvInt("TRANSLATOR_BATCH_SIZE", cfg.Translator.BatchSize)
	cfg.Translator.MaxRetries = getEnvInt("TRANSLATOR_MAX_RETRIES", cfg.Translator.MaxRetries)
	cfg.Transcriber.SilenceSplitGapS = getEnvFloat("TRANSCRIBER_SILENCE_SPLIT_GAP_S", cfg.Transcriber.SilenceSplitGapS)
	cfg.EventBus.QueueCapacity = getEnvInt("EVENT_QUEUE_CAPACITY", cfg.EventBus.QueueCapacity)

	cfg.Engines.FFmpegPath = getEnv("FFMPEG_PATH", cfg.Engines.FFmpegPath)
	cfg.Engines.FFprobePath = getEnv("FFPROBE_PATH", cfg.Engines.FFprobePath)
	cfg.Engines.SeparatorURL = getEnv("SEPARATOR_URL", cfg.Engines.SeparatorURL)
	cfg.Engines.TrackerURL = getEnv("TRACKER_URL", cfg.Engines.TrackerURL)
	cfg.Engines.TranscriberURL = getEnv("TRANSCRIBER_URL", cfg.Engines.TranscriberURL)
	cfg.Engines.TranslatorURL = getEnv("TRANSLATOR_URL", cfg.Engines.TranslatorURL)
	cfg.Engines.VoiceClonerURL = getEnv("VOICE_CLONER_URL", cfg.Engines.VoiceClonerURL)
	if v := os.Getenv("ENGINE_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engines.CallTimeout = d
		}
	}
}

// ApplyRuntimeDefaults 修正非法的数值配置为安全缺省
func (c *Config) ApplyRuntimeDefaults() {
	if c.Pipeline.MaxConcurrentTasks < 1 {
		c.Pipeline.MaxConcurrentTasks = 1
	}
	if c.Pipeline.PerSegmentParallelism < 1 {
		c.Pipeline.PerSegmentParallelism = 1
	}
	if c.Merger.MaxStretch < 1.0 {
		c.Merger.MaxStretch = 2.0
	}
	if c.Translator.BatchSize < 1 {
		c.Translator.BatchSize = 20
	}
	if c.Translator.MaxRetries < 0 {
		c.Translator.MaxRetries = 3
	}
	if c.Transcriber.SilenceSplitGapS <= 0 {
		c.Transcriber.SilenceSplitGapS = 1.5
	}
	if c.EventBus.QueueCapacity < 1 {
		c.EventBus.QueueCapacity = 64
	}
	if c.Engines.CallTimeout <= 0 {
		c.Engines.CallTimeout = 10 * time.Minute
	}
}

// ValidateConfig 验证配置的有效性，收集全部错误后统一返回
func ValidateConfig(cfg *Config) error {
	var errors []string

	// 1. 端口验证
	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid PORT value: %s (must be 1-65535)", cfg.Server.Port))
	}

	// 2. 任务目录不能为空
	if strings.TrimSpace(cfg.Data.TasksDir) == "" {
		errors = append(errors, "TASKS_DIR must not be empty")
	}

	// 3. 日志级别验证
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Log.Level] {
		errors = append(errors, fmt.Sprintf("invalid LOG_LEVEL: %s (must be: debug, info, warn, error)", cfg.Log.Level))
	}

	// 4. 日志格式验证
	validLogFormats := map[string]bool{"console": true, "json": true}
	if !validLogFormats[cfg.Log.Format] {
		errors = append(errors, fmt.Sprintf("invalid LOG_FORMAT: %s (must be: console, json)", cfg.Log.Format))
	}

	// 5. 环境验证
	validEnvs := map[string]bool{"dev": true, "development": true, "staging": true, "production": true}
	if !validEnvs[cfg.Server.Env] {
		errors = append(errors, fmt.Sprintf("invalid ENV: %s (must be: dev, development, staging, production)", cfg.Server.Env))
	}

	// 6. 合成拉伸上限必须 >= 1
	if cfg.Merger.MaxStretch < 1.0 {
		errors = append(errors, fmt.Sprintf("invalid MERGER_MAX_STRETCH: %g (must be >= 1.0)", cfg.Merger.MaxStretch))
	}

	// 7. 引擎地址验证
	for name, url := range map[string]string{
		"SEPARATOR_URL":   cfg.Engines.SeparatorURL,
		"TRANSCRIBER_URL": cfg.Engines.TranscriberURL,
		"TRANSLATOR_URL":  cfg.Engines.TranslatorURL,
		"VOICE_CLONER_URL": cfg.Engines.VoiceClonerURL,
	} {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			errors = append(errors, fmt.Sprintf("invalid %s: %s (must start with http:// or https://)", name, url))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// IsProduction 判断是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// IsDevelopment 判断是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "dev" || c.Server.Env == "development"
}

// GetServerAddr 获取服务器监听地址
func (c *Config) GetServerAddr() string {
	return ":" + c.Server.Port
}

// PrintConfig 打印配置
func (c *Config) PrintConfig() string {
	return fmt.Sprintf(`Configuration Loaded:
  Environment: %s
  Server Port: %s
  Tasks Dir: %s
  Logging:
    - Level: %s
    - Format: %s
  Pipeline:
    - Max Concurrent Tasks: %d
    - Per-Segment Parallelism: %d
  Merger:
    - Max Stretch: %g
    - Accompaniment Gain: %g dB
  Translator:
    - Batch Size: %d
    - Max Retries: %d
  Engines:
    - Separator: %s
    - Tracker: %s
    - Transcriber: %s
    - Translator: %s
    - Voice Cloner: %s
    - Call Timeout: %s`,
		c.Server.Env,
		c.Server.Port,
		c.Data.TasksDir,
		c.Log.Level,
		c.Log.Format,
		c.Pipeline.MaxConcurrentTasks,
		c.Pipeline.PerSegmentParallelism,
		c.Merger.MaxStretch,
		c.Merger.AccompanimentGainDB,
		c.Translator.BatchSize,
		c.Translator.MaxRetries,
		c.Engines.SeparatorURL,
		c.Engines.TrackerURL,
		c.Engines.TranscriberURL,
		c.Engines.TranslatorURL,
		c.Engines.VoiceClonerURL,
		c.Engines.CallTimeout,
	)
}

// 辅助函数

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt 获取整型环境变量，解析失败时返回默认值
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvFloat 获取浮点型环境变量，解析失败时返回默认值
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
