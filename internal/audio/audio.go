// Package audio implements the load/resample/denoise/VAD/slice pipeline
// entirely on the standard library. No VAD or
// audio-DSP library appears anywhere in the retrieved example pack, so
// every stage here is a from-scratch, justified stand-in: a hand-rolled
// RIFF/WAVE reader over encoding/binary, a linear-interpolation resampler
// in place of the Python original's FFT-based scipy.signal.resample, and
// an energy/RMS-threshold speech detector in place of faster_whisper's
// Silero-based VAD. See DESIGN.md for the stdlib-justification ledger.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Config carries the pipeline's tunable parameters, mirrored
// from config.AudioConfig to keep this package decoupled from internal/config.
type Config struct {
	TargetSampleRate      int
	EnableDenoise         bool
	DenoiseBackend        string
	VADThreshold          float64
	VADMinSilenceMs       int
	VADSpeechPadMs        int
	VADMaxSpeechDurationS float64
}

// Chunk is a contiguous speech span produced by the VAD + slicing step.
type Chunk struct {
	Samples  []float32
	Offset   float64 // seconds, start of chunk in the original audio
	Duration float64 // seconds
}

type wavData struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Samples       []float32 // interleaved, normalized to [-1, 1]
}

// decodeWAV parses a canonical PCM WAV file (RIFF/WAVE, fmt/data chunks).
// Only 16-bit and 8-bit PCM are supported, matching what internal/mediaconv
// always produces.
func decodeWAV(data []byte) (*wavData, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("audio: file too small to be a WAV")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("audio: not a RIFF/WAVE file")
	}

	var (
		channels      int
		sampleRate    int
		bitsPerSample int
		pcmData       []byte
		foundFmt      bool
		foundData     bool
	)

	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkSize > len(data) {
			chunkSize = len(data) - body
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("audio: fmt chunk too small")
			}
			fmtBody := data[body : body+chunkSize]
			channels = int(binary.LittleEndian.Uint16(fmtBody[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(fmtBody[4:8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(fmtBody[14:16]))
			foundFmt = true
		case "data":
			pcmData = data[body : body+chunkSize]
			foundData = true
		}

		offset = body + chunkSize
		if chunkSize%2 == 1 {
			offset++ // chunks are word-aligned
		}
	}

	if !foundFmt || !foundData {
		return nil, fmt.Errorf("audio: missing fmt or data chunk")
	}
	if channels == 0 {
		channels = 1
	}

	samples, err := pcmToFloat32(pcmData, bitsPerSample)
	if err != nil {
		return nil, err
	}

	return &wavData{
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: bitsPerSample,
		Samples:       samples,
	}, nil
}

func pcmToFloat32(pcm []byte, bitsPerSample int) ([]float32, error) {
	switch bitsPerSample {
	case 16:
		n := len(pcm) / 2
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			v := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
			out[i] = float32(v) / 32768.0
		}
		return out, nil
	case 8:
		out := make([]float32, len(pcm))
		for i, b := range pcm {
			out[i] = (float32(b) - 128.0) / 128.0
		}
		return out, nil
	default:
		return nil, fmt.Errorf("audio: unsupported bit depth %d", bitsPerSample)
	}
}

// toMono averages interleaved multi-channel samples down to a single channel.
func toMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	n := len(samples) / channels
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// resample performs linear-interpolation resampling from srcRate to dstRate.
// Adequate for the 16kHz ASR target; documented substitute for the Python
// original's FFT-based scipy.signal.resample.
func resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(dstRate) / float64(srcRate)
	outLen := int(float64(len(samples)) * ratio)
	if outLen <= 0 {
		return nil
	}
	out := make([]float32, outLen)
	for i := range out {
		srcPos := float64(i) / ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		out[i] = float32(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
	}
	return out
}

// denoise is a deliberately minimal placeholder: a single-pole high-pass
// filter to suppress low-frequency rumble. There is no denoise library in
// the retrieved pack, and building a spectral denoiser is out of scope for
// a "configurable backend" whose only required value today is "none".
func denoise(samples []float32, backend string) []float32 {
	if backend == "" || backend == "none" {
		return samples
	}
	out := make([]float32, len(samples))
	const alpha = 0.97
	var prevIn, prevOut float32
	for i, s := range samples {
		out[i] = alpha*(prevOut+s-prevIn)
		prevIn = s
		prevOut = out[i]
	}
	return out
}

type speechSpan struct {
	startSample int
	endSample   int
}

// detectSpeech runs an energy/RMS-threshold VAD over 30ms frames, merging
// frames separated by less than minSilenceMs of silence and padding each
// span by speechPadMs on both sides.
func detectSpeech(samples []float32, sampleRate int, threshold float64, minSilenceMs, speechPadMs int) []speechSpan {
	const frameMs = 30
	frameLen := sampleRate * frameMs / 1000
	if frameLen <= 0 {
		return nil
	}

	var spans []speechSpan
	var active bool
	var spanStart int
	var silenceRun int
	minSilenceFrames := minSilenceMs / frameMs

	for start := 0; start < len(samples); start += frameLen {
		end := start + frameLen
		if end > len(samples) {
			end = len(samples)
		}
		rms := rmsOf(samples[start:end])
		isSpeech := rms >= threshold

		if isSpeech {
			if !active {
				active = true
				spanStart = start
			}
			silenceRun = 0
		} else if active {
			silenceRun++
			if silenceRun >= minSilenceFrames {
				spans = append(spans, speechSpan{startSample: spanStart, endSample: start - (silenceRun-1)*frameLen})
				active = false
				silenceRun = 0
			}
		}
	}
	if active {
		spans = append(spans, speechSpan{startSample: spanStart, endSample: len(samples)})
	}

	padSamples := sampleRate * speechPadMs / 1000
	for i := range spans {
		spans[i].startSample -= padSamples
		spans[i].endSample += padSamples
		if spans[i].startSample < 0 {
			spans[i].startSample = 0
		}
		if spans[i].endSample > len(samples) {
			spans[i].endSample = len(samples)
		}
	}
	return spans
}

func rmsOf(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range frame {
		sumSq += float64(s) * float64(s)
	}
	return math.Sqrt(sumSq / float64(len(frame)))
}

// collectChunks slices each speech span into sub-chunks no longer than
// maxSpeechDurationS, the hard upper bound on chunk length ("so no chunk
// exceeds that length").
func collectChunks(samples []float32, sampleRate int, spans []speechSpan, maxSpeechDurationS float64) []Chunk {
	maxSamples := int(maxSpeechDurationS * float64(sampleRate))
	if maxSamples <= 0 {
		maxSamples = len(samples)
	}

	var chunks []Chunk
	for _, span := range spans {
		for s := span.startSample; s < span.endSample; s += maxSamples {
			e := s + maxSamples
			if e > span.endSample {
				e = span.endSample
			}
			if e <= s {
				continue
			}
			chunkSamples := make([]float32, e-s)
			copy(chunkSamples, samples[s:e])
			chunks = append(chunks, Chunk{
				Samples:  chunkSamples,
				Offset:   float64(s) / float64(sampleRate),
				Duration: float64(e-s) / float64(sampleRate),
			})
		}
	}
	return chunks
}

// RunPipeline is the audio preprocessing pass feeding transcription:
// load WAV, coerce to mono float32, resample to the target rate,
// optionally denoise, VAD, then slice by collect_chunks. Empty input or no
// detected speech yields a nil slice, never an error.
func RunPipeline(wavBytes []byte, cfg Config) ([]Chunk, error) {
	if len(wavBytes) == 0 {
		return nil, nil
	}

	wav, err := decodeWAV(bytes.NewBuffer(wavBytes).Bytes())
	if err != nil {
		return nil, err
	}

	samples := toMono(wav.Samples, wav.Channels)
	targetRate := cfg.TargetSampleRate
	if targetRate <= 0 {
		targetRate = 16000
	}
	samples = resample(samples, wav.SampleRate, targetRate)

	if cfg.EnableDenoise {
		samples = denoise(samples, cfg.DenoiseBackend)
	}

	threshold := cfg.VADThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	minSilenceMs := cfg.VADMinSilenceMs
	if minSilenceMs <= 0 {
		minSilenceMs = 2000
	}
	speechPadMs := cfg.VADSpeechPadMs
	maxSpeechDurationS := cfg.VADMaxSpeechDurationS
	if maxSpeechDurationS <= 0 {
		maxSpeechDurationS = 30.0
	}

	spans := detectSpeech(samples, targetRate, threshold, minSilenceMs, speechPadMs)
	if len(spans) == 0 {
		return nil, nil
	}

	return collectChunks(samples, targetRate, spans, maxSpeechDurationS), nil
}
