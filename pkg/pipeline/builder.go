package pipeline

// Builder assembles a session pipeline in the order recognizer source,
// processing stages, sink stages.
type Builder struct {
	src  Producer
	core []FrameProcessor
	post []FrameProcessor
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) WithSource(p Producer) *Builder {
	b.src = p
	return b
}

func (b *Builder) WithProcessor(p FrameProcessor) *Builder {
	if p != nil {
		b.core = append(b.core, p)
	}
	return b
}

func (b *Builder) WithProcessorList(list []FrameProcessor) *Builder {
	for _, p := range list {
		b.WithProcessor(p)
	}
	return b
}

// WithSink appends a stage that always runs after the processing stages.
func (b *Builder) WithSink(p FrameProcessor) *Builder {
	if p != nil {
		b.post = append(b.post, p)
	}
	return b
}

func (b *Builder) Build(cfg Config) *Pipeline {
	procs := append(append([]FrameProcessor{}, b.core...), b.post...)
	return Connect(cfg, b.src, procs...)
}
