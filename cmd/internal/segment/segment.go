// Package segment 定义分段表数据模型与编辑操作。
// 分段表的权威副本保存在任务目录的 04_segments.json 中，
// 内存中的 Table 仅是读取-修改-写回周期内的瞬时副本。
package segment

import (
	"errors"
	"fmt"
	"sort"
)

// 分段表校验错误
var (
	ErrNotSorted      = errors.New("SEGMENTS_NOT_SORTED")
	ErrIDsNotDense    = errors.New("SEGMENT_IDS_NOT_DENSE")
	ErrEmptyInterval  = errors.New("SEGMENT_EMPTY_INTERVAL")
	ErrSegmentMissing = errors.New("SEGMENT_NOT_FOUND")
	ErrNotAdjacent    = errors.New("SEGMENTS_NOT_ADJACENT")
	ErrBadSplitPoint  = errors.New("SPLIT_POINT_INVALID")
)

// Word 词级时间戳，跨度位于所属分段 [Start, End] 之内
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment 一条分段记录。时间为原始媒体全局时间轴上的秒数。
type Segment struct {
	ID                 int     `json:"id"`
	Start              float64 `json:"start"`
	End                float64 `json:"end"`
	Text               string  `json:"text"`
	TranslatedText     string  `json:"translated_text,omitempty"`
	SpeakerID          string  `json:"speaker_id,omitempty"`
	Words              []Word  `json:"words,omitempty"`
	ClonedAudioPath    string  `json:"cloned_audio_path,omitempty"`
	OriginalDuration   float64 `json:"original_duration,omitempty"`
	ClonedDuration     float64 `json:"cloned_duration,omitempty"`
	DurationMultiplier float64 `json:"duration_multiplier,omitempty"`
	// Dirty 表示该分段的克隆音频落后于当前文本/时间，
	// 在 regenerate_final 成功后清除
	Dirty bool `json:"dirty,omitempty"`
	// Error 记录单段克隆失败信息，合成阶段对该段填充静音
	Error string `json:"error,omitempty"`
}

// Duration 返回分段在全局时间轴上的时长
func (s *Segment) Duration() float64 {
	return s.End - s.Start
}

// Table 按 Start 升序排列的分段序列，ID 从 0 连续编号
type Table []Segment

// Validate 校验分段表不变量：按 Start 排序、ID 稠密且从 0 开始、区间非空
func (t Table) Validate() error {
	for i := range t {
		if t[i].ID != i {
			return fmt.Errorf("%w: index %d has id %d", ErrIDsNotDense, i, t[i].ID)
		}
		if t[i].Start < 0 || t[i].End <= t[i].Start {
			return fmt.Errorf("%w: id %d [%g, %g]", ErrEmptyInterval, t[i].ID, t[i].Start, t[i].End)
		}
		if i > 0 && t[i].Start < t[i-1].Start {
			return fmt.Errorf("%w: id %d starts at %g before id %d at %g",
				ErrNotSorted, t[i].ID, t[i].Start, t[i-1].ID, t[i-1].Start)
		}
	}
	return nil
}

// Normalize 按 Start 排序并重新连续编号，用于吸收编辑后的次序变化
func (t Table) Normalize() Table {
	out := t.Clone()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	for i := range out {
		out[i].ID = i
	}
	return out
}

// Clone 深拷贝分段表（Words 切片一并复制）
func (t Table) Clone() Table {
	out := make(Table, len(t))
	copy(out, t)
	for i := range out {
		if len(t[i].Words) > 0 {
			out[i].Words = make([]Word, len(t[i].Words))
			copy(out[i].Words, t[i].Words)
		}
	}
	return out
}

// Find 按 ID 查找分段，返回索引；未找到时返回 -1
func (t Table) Find(id int) int {
	for i := range t {
		if t[i].ID == id {
			return i
		}
	}
	return -1
}

// invalidate 清除分段上由上游文本/时间派生的产物
func invalidate(s *Segment) {
	s.TranslatedText = ""
	s.ClonedAudioPath = ""
	s.ClonedDuration = 0
	s.DurationMultiplier = 0
	s.Error = ""
	s.Dirty = true
}
