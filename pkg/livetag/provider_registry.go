package livetag

import (
	"fmt"
	"strings"

	"github.com/harunnryd/livetag/pkg/adapters/annotator"
	"github.com/harunnryd/livetag/pkg/adapters/stt"
	"github.com/harunnryd/livetag/pkg/providers/deepgram"
	"github.com/harunnryd/livetag/pkg/providers/exec"
	"github.com/harunnryd/livetag/pkg/providers/mock"
	"github.com/harunnryd/livetag/pkg/providers/rules"
)

// RecognizerBuilder validates provider settings once and returns the
// per-session recognizer factory.
type RecognizerBuilder func(settings map[string]any) (stt.Factory, error)

type ProviderRegistry struct {
	recognizers map[string]RecognizerBuilder
	annotators  map[string]annotator.Factory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		recognizers: make(map[string]RecognizerBuilder),
		annotators:  make(map[string]annotator.Factory),
	}
}

// DefaultProviders registers every built-in provider.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterRecognizer("deepgram", deepgram.NewFactory)
	r.RegisterRecognizer("scripted", mock.NewRecognizerFactory)
	r.RegisterAnnotator("rules", rules.Factory)
	r.RegisterAnnotator("exec", exec.Factory)
	r.RegisterAnnotator("mock", mock.AnnotatorFactory)
	return r
}

func (r *ProviderRegistry) RegisterRecognizer(name string, builder RecognizerBuilder) {
	r.recognizers[providerKey(name)] = builder
}

func (r *ProviderRegistry) RegisterAnnotator(name string, factory annotator.Factory) {
	r.annotators[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildRecognizerFactory(provider string, settings map[string]any) (stt.Factory, error) {
	fn := r.recognizers[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("recognizer provider not registered: %s", provider)
	}
	return fn(settings)
}

func (r *ProviderRegistry) AnnotatorFactory(provider string) (annotator.Factory, error) {
	fn := r.annotators[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("annotator provider not registered: %s", provider)
	}
	return fn, nil
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
