package livetag

import (
	"context"
	"strings"
	"testing"

	"github.com/harunnryd/livetag/pkg/adapters/stt"
)

func TestDefaultProvidersResolveCaseInsensitive(t *testing.T) {
	r := DefaultProviders()
	for _, name := range []string{"rules", "Exec", " MOCK "} {
		if _, err := r.AnnotatorFactory(name); err != nil {
			t.Fatalf("annotator %q: %v", name, err)
		}
	}
	factory, err := r.BuildRecognizerFactory("Scripted", map[string]any{"interval": "5ms"})
	if err != nil {
		t.Fatalf("scripted: %v", err)
	}
	rec, err := factory(stt.Config{StreamID: "s1"})
	if err != nil || rec == nil {
		t.Fatalf("expected recognizer, got %v", err)
	}
}

func TestProviderRegistryUnknownProvider(t *testing.T) {
	r := NewProviderRegistry()
	if _, err := r.BuildRecognizerFactory("whisper", nil); err == nil || !strings.Contains(err.Error(), "whisper") {
		t.Fatalf("expected unknown recognizer error, got %v", err)
	}
	if _, err := r.AnnotatorFactory("crf"); err == nil || !strings.Contains(err.Error(), "crf") {
		t.Fatalf("expected unknown annotator error, got %v", err)
	}
}

func TestScriptedSettingsRejectUnknownKeys(t *testing.T) {
	r := DefaultProviders()
	if _, err := r.BuildRecognizerFactory("scripted", map[string]any{"speed": 2}); err == nil {
		t.Fatalf("expected unknown setting to be rejected")
	}
	ann, err := r.AnnotatorFactory("mock")
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := ann(context.Background(), map[string]any{"tag": "<e/>"}); err != nil {
		t.Fatalf("mock annotator: %v", err)
	}
}
