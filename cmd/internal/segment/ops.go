package segment

import (
	"fmt"
	"sort"
	"strings"
)

// 编辑操作均返回完整的新分段表，持久化由调用方负责。

// wordSpan 单词在分段文本中的字符区间（按 rune 计）
type wordSpan struct {
	idx        int // 单词下标
	start, end int
}

// wordSpans 依次在文本中定位每个单词的字符区间，定位失败的单词跳过
func wordSpans(text string, words []Word) []wordSpan {
	runes := []rune(text)
	lower := []rune(strings.ToLower(text))
	spans := make([]wordSpan, 0, len(words))
	pos := 0
	for i, w := range words {
		wt := []rune(strings.TrimSpace(w.Word))
		if len(wt) == 0 {
			continue
		}
		start := indexRunes(runes, wt, pos)
		if start < 0 {
			start = indexRunes(lower, []rune(strings.ToLower(string(wt))), pos)
		}
		if start < 0 {
			continue
		}
		spans = append(spans, wordSpan{idx: i, start: start, end: start + len(wt)})
		pos = start + len(wt)
	}
	return spans
}

func indexRunes(haystack, needle []rune, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// splitIndexByOffset 把字符位置映射到单词边界：
// 位置落在单词内部时选更近的一侧，落在词间空白时在前一个单词之后拆分
func splitIndexByOffset(seg *Segment, textOffset int) int {
	runes := []rune(seg.Text)
	if textOffset < 0 {
		textOffset = 0
	}
	if textOffset >= len(runes) {
		textOffset = len(runes) / 2
	}

	spans := wordSpans(seg.Text, seg.Words)
	for si, sp := range spans {
		if sp.start <= textOffset && textOffset < sp.end {
			if textOffset-sp.start < sp.end-textOffset {
				return sp.idx // 更接近词首，在前一个单词之后拆分
			}
			return sp.idx + 1
		}
		if textOffset < sp.start {
			if si > 0 {
				return sp.idx
			}
			break
		}
	}
	return len(seg.Words) / 2
}

// splitIndexByTime 把时间点映射到单词边界
func splitIndexByTime(seg *Segment, splitTime float64) int {
	for i, w := range seg.Words {
		if w.Start <= splitTime && splitTime <= w.End {
			return i + 1
		}
		if w.End > splitTime {
			return i
		}
	}
	return len(seg.Words) / 2
}

// splitAt 在 words[splitIdx-1] 与 words[splitIdx] 之间拆分分段
func (t Table) splitAt(idx, splitIdx int) (Table, error) {
	seg := t[idx]
	if splitIdx < 1 || splitIdx >= len(seg.Words) {
		return nil, fmt.Errorf("%w: word index %d of %d", ErrBadSplitPoint, splitIdx, len(seg.Words))
	}

	boundary := seg.Words[splitIdx-1].End
	if boundary <= seg.Start || boundary >= seg.End {
		return nil, fmt.Errorf("%w: boundary %g outside [%g, %g]", ErrBadSplitPoint, boundary, seg.Start, seg.End)
	}

	// 文本在右半段首个单词的字符位置处切断
	leftText, rightText := partitionText(seg.Text, seg.Words, splitIdx)
	if leftText == "" || rightText == "" {
		return nil, fmt.Errorf("%w: empty half after split", ErrBadSplitPoint)
	}

	left := Segment{
		Start:     seg.Start,
		End:       boundary,
		Text:      leftText,
		SpeakerID: seg.SpeakerID,
		Words:     append([]Word(nil), seg.Words[:splitIdx]...),
	}
	right := Segment{
		Start:     boundary,
		End:       seg.End,
		Text:      rightText,
		SpeakerID: seg.SpeakerID,
		Words:     append([]Word(nil), seg.Words[splitIdx:]...),
	}
	// 两半都不再对应原有译文与克隆音频
	invalidate(&left)
	invalidate(&right)

	out := make(Table, 0, len(t)+1)
	out = append(out, t[:idx].Clone()...)
	out = append(out, left, right)
	out = append(out, t[idx+1:].Clone()...)
	for i := range out {
		out[i].ID = i
	}
	return out, nil
}

// partitionText 在右半段首个单词的文本位置切断，两侧去除首尾空白
func partitionText(text string, words []Word, splitIdx int) (string, string) {
	runes := []rune(text)
	spans := wordSpans(text, words)
	cut := -1
	for _, sp := range spans {
		if sp.idx >= splitIdx {
			cut = sp.start
			break
		}
	}
	if cut < 0 {
		// 右半段单词均无法定位时按比例切断
		cut = len(runes) * splitIdx / len(words)
	}
	return strings.TrimSpace(string(runes[:cut])), strings.TrimSpace(string(runes[cut:]))
}

// Split 按文本字符位置拆分分段，拆分点对齐到最近的单词边界
func (t Table) Split(id, textOffset int) (Table, error) {
	idx := t.Find(id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: id %d", ErrSegmentMissing, id)
	}
	if len(t[idx].Words) < 2 {
		return nil, fmt.Errorf("%w: segment %d has no word timestamps", ErrBadSplitPoint, id)
	}
	return t.splitAt(idx, splitIndexByOffset(&t[idx], textOffset))
}

// SplitAtTime 按全局时间点拆分分段，拆分点对齐到最近的单词边界
func (t Table) SplitAtTime(id int, splitTime float64) (Table, error) {
	idx := t.Find(id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: id %d", ErrSegmentMissing, id)
	}
	if len(t[idx].Words) < 2 {
		return nil, fmt.Errorf("%w: segment %d has no word timestamps", ErrBadSplitPoint, id)
	}
	return t.splitAt(idx, splitIndexByTime(&t[idx], splitTime))
}

// Merge 合并相邻分段。ids 必须是连续编号；
// 新分段覆盖 [最小 start, 最大 end]，文本以单个空格连接
func (t Table) Merge(ids []int) (Table, error) {
	if len(ids) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 ids", ErrNotAdjacent)
	}
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1]+1 {
			return nil, fmt.Errorf("%w: ids %v", ErrNotAdjacent, ids)
		}
	}
	first := t.Find(sorted[0])
	last := t.Find(sorted[len(sorted)-1])
	if first < 0 || last < 0 {
		return nil, fmt.Errorf("%w: ids %v", ErrSegmentMissing, ids)
	}

	merged := Segment{
		Start:     t[first].Start,
		End:       t[last].End,
		SpeakerID: t[first].SpeakerID,
	}
	texts := make([]string, 0, last-first+1)
	for i := first; i <= last; i++ {
		if txt := strings.TrimSpace(t[i].Text); txt != "" {
			texts = append(texts, txt)
		}
		merged.Words = append(merged.Words, t[i].Words...)
	}
	merged.Text = strings.Join(texts, " ")
	invalidate(&merged)

	out := make(Table, 0, len(t)-(last-first))
	out = append(out, t[:first].Clone()...)
	out = append(out, merged)
	out = append(out, t[last+1:].Clone()...)
	for i := range out {
		out[i].ID = i
	}
	return out, nil
}

// Delete 删除指定分段并重新编号
func (t Table) Delete(ids []int) (Table, error) {
	drop := make(map[int]bool, len(ids))
	for _, id := range ids {
		if t.Find(id) < 0 {
			return nil, fmt.Errorf("%w: id %d", ErrSegmentMissing, id)
		}
		drop[id] = true
	}
	out := make(Table, 0, len(t)-len(drop))
	for i := range t {
		if !drop[t[i].ID] {
			out = append(out, t[i])
		}
	}
	out = out.Clone()
	for i := range out {
		out[i].ID = i
	}
	return out, nil
}

// Patch 对单个分段的部分更新，nil 字段表示不修改
type Patch struct {
	Start          *float64 `json:"start,omitempty"`
	End            *float64 `json:"end,omitempty"`
	Text           *string  `json:"text,omitempty"`
	TranslatedText *string  `json:"translated_text,omitempty"`
}

// Update 应用补丁并重新校验不变量。
// 文本变化会清除译文与克隆音频，除非补丁同时带有新译文；
// 时间变化后 words 不再刷新，仅作诊断参考
func (t Table) Update(id int, patch Patch) (Table, error) {
	idx := t.Find(id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: id %d", ErrSegmentMissing, id)
	}
	out := t.Clone()
	seg := &out[idx]

	timeChanged := false
	if patch.Start != nil && *patch.Start != seg.Start {
		seg.Start = *patch.Start
		timeChanged = true
	}
	if patch.End != nil && *patch.End != seg.End {
		seg.End = *patch.End
		timeChanged = true
	}

	textChanged := patch.Text != nil && *patch.Text != seg.Text
	if textChanged {
		seg.Text = *patch.Text
	}
	if textChanged || timeChanged {
		translated := seg.TranslatedText
		invalidate(seg)
		if !textChanged {
			// 仅时间变化保留译文，克隆音频仍需重做
			seg.TranslatedText = translated
		}
	}
	if patch.TranslatedText != nil {
		seg.TranslatedText = *patch.TranslatedText
		seg.Dirty = true
	}

	out = out.Normalize()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
