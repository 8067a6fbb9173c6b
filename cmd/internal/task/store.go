// Package task 管理磁盘上的任务工作区。
// 每个任务一个目录，status.json 与各阶段产物均以临时文件加重命名的方式
// 原子写入，磁盘副本是任务状态的唯一权威。
package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/icuic/video-voice-translator/cmd/internal/segment"
)

// 任务存储错误
var (
	ErrTaskNotFound = errors.New("TASK_NOT_FOUND")
	ErrTaskExists   = errors.New("TASK_ALREADY_EXISTS")
	ErrCorruptState = errors.New("TASK_STATE_CORRUPT")
	ErrTaskBusy     = errors.New("TASK_PROCESSING")
)

// 任务状态
const (
	StatusPending     = "pending"
	StatusProcessing  = "processing"
	StatusPausedStep4 = "paused_step4"
	StatusPausedStep5 = "paused_step5"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// 暂停检查点
const (
	PauseAfterStep4 = "step4"
	PauseAfterStep5 = "step5"
)

// Status status.json 的结构
type Status struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	CurrentStep    int     `json:"current_step"`
	Progress       int     `json:"progress"`
	Message        string  `json:"message"`
	StepName       string  `json:"step_name"`
	CurrentSegment int     `json:"current_segment"`
	TotalSegments  int     `json:"total_segments"`
	Error          string  `json:"error,omitempty"`
	PauseAfter     string  `json:"pause_after,omitempty"`
	SourceLang     string  `json:"source_lang"`
	TargetLang     string  `json:"target_lang"`
	SingleSpeaker  bool    `json:"single_speaker"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// Meta 任务创建参数，归档为 00_task_params.json
type Meta struct {
	SourceFileName string `json:"source_file_name"`
	SourceLang     string `json:"source_lang"`
	TargetLang     string `json:"target_lang"`
	SingleSpeaker  bool   `json:"single_speaker"`
	PauseAfter     string `json:"pause_after,omitempty"`
}

// Store 任务工作区存储
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore 创建任务存储，确保根目录存在
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create tasks root: %w", err)
	}
	return &Store{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// Root 返回任务根目录
func (s *Store) Root() string { return s.root }

// lock 返回任务级互斥锁，按需创建
func (s *Store) lock(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[taskID] = l
	}
	return l
}

// Create 创建任务目录并写入初始 status.json 与参数存档。
// 目录已存在时返回 ErrTaskExists。
func (s *Store) Create(taskID string, meta Meta) (string, error) {
	dir := filepath.Join(s.root, taskID)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("%w: %s", ErrTaskExists, taskID)
	}
	for _, sub := range []string{"", RefAudioDir, ClonedAudioDir, SpeakersDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", fmt.Errorf("create task dir: %w", err)
		}
	}

	now := time.Now().Format(time.RFC3339)
	st := Status{
		ID:            taskID,
		Status:        StatusPending,
		PauseAfter:    meta.PauseAfter,
		SourceLang:    meta.SourceLang,
		TargetLang:    meta.TargetLang,
		SingleSpeaker: meta.SingleSpeaker,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.writeJSON(taskID, StatusJSON, &st); err != nil {
		return "", err
	}
	if err := s.writeJSON(taskID, TaskParamsJSON, &meta); err != nil {
		return "", err
	}
	return dir, nil
}

// Dir 返回任务目录的绝对路径，目录不存在时返回 ErrTaskNotFound
func (s *Store) Dir(taskID string) (string, error) {
	dir := filepath.Join(s.root, taskID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return "", err
	}
	return dir, nil
}

// ArtifactPath 返回任务内相对路径对应的绝对路径
func (s *Store) ArtifactPath(taskID, rel string) string {
	return filepath.Join(s.root, taskID, rel)
}

// PutArtifact 以临时文件加重命名的方式写入产物，读者不会观察到半成品
func (s *Store) PutArtifact(taskID, rel string, r io.Reader) error {
	dst := s.ArtifactPath(taskID, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write artifact %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close artifact %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename artifact %s: %w", rel, err)
	}
	return nil
}

// PutArtifactBytes 写入字节产物
func (s *Store) PutArtifactBytes(taskID, rel string, data []byte) error {
	return s.PutArtifact(taskID, rel, bytes.NewReader(data))
}

// writeJSON 序列化并原子写入 JSON 产物
func (s *Store) writeJSON(taskID, rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}
	return s.PutArtifactBytes(taskID, rel, data)
}

// ReadJSON 读取并反序列化 JSON 产物
func (s *Store) ReadJSON(taskID, rel string, v any) error {
	data, err := os.ReadFile(s.ArtifactPath(taskID, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrTaskNotFound, taskID, rel)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptState, rel, err)
	}
	return nil
}

// ReadStatus 读取 status.json
func (s *Store) ReadStatus(taskID string) (*Status, error) {
	var st Status
	if err := s.ReadJSON(taskID, StatusJSON, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// PatchStatus 在任务锁内做 status.json 的读-改-写，返回更新后的状态
func (s *Store) PatchStatus(taskID string, apply func(*Status)) (*Status, error) {
	l := s.lock(taskID)
	l.Lock()
	defer l.Unlock()

	st, err := s.ReadStatus(taskID)
	if err != nil {
		return nil, err
	}
	apply(st)
	st.UpdatedAt = time.Now().Format(time.RFC3339)
	if err := s.writeJSON(taskID, StatusJSON, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ReadSegmentTable 加载分段表并校验不变量
func (s *Store) ReadSegmentTable(taskID string) (segment.Table, error) {
	base := BaseFromTaskID(taskID)
	var tbl segment.Table
	if err := s.ReadJSON(taskID, SegmentsJSON(base), &tbl); err != nil {
		return nil, err
	}
	if err := tbl.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return tbl, nil
}

// WriteSegmentTable 校验不变量后原子写入分段表
func (s *Store) WriteSegmentTable(taskID string, tbl segment.Table) error {
	if err := tbl.Validate(); err != nil {
		return err
	}
	base := BaseFromTaskID(taskID)
	return s.writeJSON(taskID, SegmentsJSON(base), tbl)
}

// List 枚举全部任务的状态清单，按创建时间（即目录名）排序。
// 缺失或损坏 status.json 的目录跳过。
func (s *Store) List() ([]*Status, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []*Status
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := s.ReadStatus(e.Name())
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete 删除任务目录。处理中的任务拒绝删除。
func (s *Store) Delete(taskID string) error {
	l := s.lock(taskID)
	l.Lock()
	defer l.Unlock()

	st, err := s.ReadStatus(taskID)
	if err != nil {
		return err
	}
	if st.Status == StatusProcessing {
		return fmt.Errorf("%w: %s", ErrTaskBusy, taskID)
	}
	if err := os.RemoveAll(filepath.Join(s.root, taskID)); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.locks, taskID)
	s.mu.Unlock()
	return nil
}

// ProcessingLogWriter 返回任务目录内 processing_log.txt 的滚动写入器。
// 单个任务的日志上限 20MB，保留一份历史。
func (s *Store) ProcessingLogWriter(taskID string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   s.ArtifactPath(taskID, ProcessingLog),
		MaxSize:    20, // MB
		MaxBackups: 1,
		Compress:   false,
	}
}
