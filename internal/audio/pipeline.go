package audio

import (
	"context"
	"os"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/capability"
)

// Pipeline adapts RunPipeline to the capability.AudioPipeline contract,
// reading the WAV file from disk (the conversion stage always writes one).
type Pipeline struct {
	Config Config
}

// NewPipeline builds a Pipeline bound to the given tunable parameters.
func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{Config: cfg}
}

var _ capability.AudioPipeline = (*Pipeline)(nil)

// RunPipeline reads wavPath and runs the load/resample/denoise/VAD/slice
// pipeline, returning capability-shaped speech chunks.
func (p *Pipeline) RunPipeline(ctx context.Context, wavPath string) ([]capability.SpeechChunk, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, apperr.Wrap("audio.RunPipeline", err)
	}

	chunks, err := RunPipeline(data, p.Config)
	if err != nil {
		return nil, apperr.Wrap("audio.RunPipeline", err)
	}

	out := make([]capability.SpeechChunk, len(chunks))
	for i, c := range chunks {
		out[i] = capability.SpeechChunk{Samples: c.Samples, Offset: c.Offset, Duration: c.Duration}
	}
	return out, nil
}
