package frames

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

type Kind string

const (
	KindAudio      Kind = "audio"
	KindHypothesis Kind = "hypothesis"
	KindCommit     Kind = "commit"
	KindTag        Kind = "tag"
	KindControl    Kind = "control"
	KindSystem     Kind = "system"
)

type ControlCode string

const (
	// ControlBatchEnd closes the commits produced by one recognition batch.
	ControlBatchEnd ControlCode = "batch_end"
	// ControlRollback announces that previously emitted tag lines were withdrawn.
	ControlRollback ControlCode = "rollback"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

type AudioFrame struct {
	pts    int64
	data   []byte
	rate   int
	ch     int
	meta   map[string]string
	pooled bool
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(streamID, meta),
	}
}

func NewAudioFrameFromPool(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		pts:    pts,
		data:   buf,
		rate:   rate,
		ch:     ch,
		meta:   mergeMeta(streamID, meta),
		pooled: true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		if ap, ok := f.(*AudioFrame); ok {
			af = *ap
		} else {
			return false
		}
	}
	if af.pooled {
		ReleaseAudioBuf(af.data)
		return true
	}
	return false
}

// WordSpan is one recognizer-proposed word with its time span in seconds.
type WordSpan struct {
	Word  string
	Start float64
	End   float64
}

// HypothesisFrame carries one recognition batch. ResultIndex is the recognizer's
// watermark: everything before it has been finalized.
type HypothesisFrame struct {
	pts         int64
	resultIndex int
	spans       []WordSpan
	meta        map[string]string
}

func NewHypothesisFrame(streamID string, pts int64, resultIndex int, spans []WordSpan, meta map[string]string) HypothesisFrame {
	return HypothesisFrame{
		pts:         pts,
		resultIndex: resultIndex,
		spans:       append([]WordSpan(nil), spans...),
		meta:        mergeMeta(streamID, meta),
	}
}

func (h HypothesisFrame) Kind() Kind              { return KindHypothesis }
func (h HypothesisFrame) PTS() int64              { return h.pts }
func (h HypothesisFrame) Meta() map[string]string { return cloneMeta(h.meta) }
func (h HypothesisFrame) ResultIndex() int        { return h.resultIndex }
func (h HypothesisFrame) Spans() []WordSpan       { return append([]WordSpan(nil), h.spans...) }

// Commit is a hypothesis that received a stable id.
type Commit struct {
	ID    int
	Word  string
	Start float64
	End   float64
}

type CommitFrame struct {
	pts    int64
	commit Commit
	meta   map[string]string
}

func NewCommitFrame(streamID string, pts int64, c Commit, meta map[string]string) CommitFrame {
	return CommitFrame{
		pts:    pts,
		commit: c,
		meta:   mergeMeta(streamID, meta),
	}
}

func (c CommitFrame) Kind() Kind              { return KindCommit }
func (c CommitFrame) PTS() int64              { return c.pts }
func (c CommitFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c CommitFrame) Commit() Commit          { return c.commit }

// TagLine is one annotated word as sent to the client.
type TagLine struct {
	ID    int
	Start float64
	End   float64
	Word  string
	Tag   string
}

type TagFrame struct {
	pts  int64
	line TagLine
	meta map[string]string
}

func NewTagFrame(streamID string, pts int64, line TagLine, meta map[string]string) TagFrame {
	return TagFrame{
		pts:  pts,
		line: line,
		meta: mergeMeta(streamID, meta),
	}
}

func (t TagFrame) Kind() Kind              { return KindTag }
func (t TagFrame) PTS() int64              { return t.pts }
func (t TagFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TagFrame) Line() TagLine           { return t.line }

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(streamID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(streamID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[streamID] + time.Millisecond.Nanoseconds()
	g.value[streamID] = v
	return v
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// String renders the wire form "start,end,word,tag" without a newline.
// Separator characters inside word or tag are replaced by SanitizeField.
func (l TagLine) String() string {
	return strconv.FormatFloat(l.Start, 'f', -1, 64) + "," +
		strconv.FormatFloat(l.End, 'f', -1, 64) + "," +
		SanitizeField(l.Word) + "," + SanitizeField(l.Tag)
}

// SanitizeField replaces ',' and line breaks with '_' so a value always
// occupies exactly one field of one line.
func SanitizeField(v string) string {
	if !strings.ContainsAny(v, ",\r\n") {
		return v
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ',', '\r', '\n':
			return '_'
		}
		return r
	}, v)
}
