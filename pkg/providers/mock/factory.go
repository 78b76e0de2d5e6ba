package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/livetag/pkg/adapters/annotator"
	"github.com/harunnryd/livetag/pkg/adapters/stt"
	"github.com/harunnryd/livetag/pkg/configutil"
)

// ScriptedSettings configure the "scripted" recognizer provider.
type ScriptedSettings struct {
	// ScriptPath points at a YAML script; empty replays DefaultScript.
	ScriptPath   string        `mapstructure:"script_path"`
	Interval     time.Duration `mapstructure:"interval"`
	WaitForAudio *bool         `mapstructure:"wait_for_audio"`
}

func ScriptedSchema() configutil.Schema {
	return configutil.Schema{Optional: []string{"script_path", "interval", "wait_for_audio"}}
}

// NewRecognizerFactory loads the script once; every session replays it.
func NewRecognizerFactory(settings map[string]any) (stt.Factory, error) {
	if err := configutil.ValidateSettings(settings, ScriptedSchema()); err != nil {
		return nil, fmt.Errorf("scripted settings: %w", err)
	}
	var s ScriptedSettings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("scripted settings: %w", err)
	}
	script := DefaultScript()
	if s.ScriptPath != "" {
		loaded, err := LoadScript(s.ScriptPath)
		if err != nil {
			return nil, err
		}
		script = loaded
	}
	if s.Interval > 0 {
		script.Interval = s.Interval
	}
	wait := configutil.BoolValue(s.WaitForAudio, true)
	return func(cfg stt.Config) (stt.StreamingRecognizer, error) {
		return NewRecognizer(RecognizerConfig{
			StreamID:     cfg.StreamID,
			TraceID:      cfg.TraceID,
			Script:       script,
			WaitForAudio: wait,
		}), nil
	}, nil
}

func AnnotatorSchema() configutil.Schema {
	return configutil.Schema{Optional: []string{"tag", "tags", "fail_on"}}
}

// AnnotatorFactory builds a mock annotator from provider settings.
func AnnotatorFactory(_ context.Context, settings map[string]any) (annotator.Annotator, error) {
	if err := configutil.ValidateSettings(settings, AnnotatorSchema()); err != nil {
		return nil, fmt.Errorf("mock annotator settings: %w", err)
	}
	var cfg AnnotatorConfig
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("mock annotator settings: %w", err)
	}
	return NewAnnotator(cfg), nil
}
