package mock

import (
	"fmt"
	"os"
	"time"

	"github.com/harunnryd/livetag/pkg/frames"
	"gopkg.in/yaml.v3"
)

// Script is a recorded sequence of recognizer batches.
type Script struct {
	Interval time.Duration `yaml:"interval"`
	Batches  []Batch       `yaml:"batches"`
}

type Batch struct {
	ResultIndex int         `yaml:"result_index"`
	Timestamps  []Timestamp `yaml:"timestamps"`
}

// Timestamp is one [word, start, end] triple.
type Timestamp frames.WordSpan

func (t *Timestamp) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode || len(node.Content) != 3 {
		return fmt.Errorf("line %d: timestamp must be [word, start, end]", node.Line)
	}
	var span frames.WordSpan
	if err := node.Content[0].Decode(&span.Word); err != nil {
		return err
	}
	if err := node.Content[1].Decode(&span.Start); err != nil {
		return err
	}
	if err := node.Content[2].Decode(&span.End); err != nil {
		return err
	}
	if span.End < span.Start {
		return fmt.Errorf("line %d: timestamp %q ends before it starts", node.Line, span.Word)
	}
	*t = Timestamp(span)
	return nil
}

func (b Batch) Spans() []frames.WordSpan {
	out := make([]frames.WordSpan, len(b.Timestamps))
	for i, ts := range b.Timestamps {
		out[i] = frames.WordSpan(ts)
	}
	return out
}

func LoadScript(path string) (Script, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(raw)
}

func ParseScript(raw []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Script{}, fmt.Errorf("parse script: %w", err)
	}
	return s, nil
}

// DefaultScript replays a short utterance in which the recognizer first
// hears "name", corrects it to "bame", then revises a later word.
func DefaultScript() Script {
	return Script{
		Interval: 50 * time.Millisecond,
		Batches: []Batch{
			{Timestamps: []Timestamp{{"hello", 0, 1}, {"my", 1, 2}, {"name", 2, 3}}},
			{Timestamps: []Timestamp{{"hello", 0.5, 1}, {"my", 1, 2}, {"bame", 2, 3}}},
			{Timestamps: []Timestamp{{"once", 3.4, 4}, {"upon", 4.2, 4.6}, {"on", 4.3, 4.8}}},
		},
	}
}
