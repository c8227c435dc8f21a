// Package asr implements the in-process ASR capability over whisper.cpp's
// whisper-cli binary: subprocess invocation with the `-np` clean-stdout
// flag, timestamp-line parsing, and a chunked
// TranscribeSegments(chunks, language, progress) surface — each chunk is
// written to its own temporary WAV and transcribed independently, with the
// chunk's offset added to every segment so the result is globally
// timestamped.
package asr

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/capability"
)

var (
	timestampRe  = regexp.MustCompile(`^\[(\d{2}:\d{2}:\d{2}\.\d{3})\s*-->\s*(\d{2}:\d{2}:\d{2}\.\d{3})\]\s*(.*)$`)
	langDetectRe = regexp.MustCompile(`(?i)(?:auto-detected language|detected language)[:\s'"]+([a-z]{2,3})`)
)

// Client wraps whisper-cli for the transcribe stage executor / dispatcher.
type Client struct {
	BinaryPath string
	ModelPath  string
	TmpDir     string
}

// NewClient builds an asr.Client bound to a whisper-cli binary and model.
func NewClient(binaryPath, modelPath, tmpDir string) *Client {
	return &Client{BinaryPath: binaryPath, ModelPath: modelPath, TmpDir: tmpDir}
}

var _ capability.ASR = (*Client)(nil)

// TranscribeSegments transcribes each chunk independently, adding each
// chunk's Offset to its segment timestamps so the merged TranscribeResult
// is globally timestamped. language may be "" or "auto", in which case the
// first chunk's detected language is reused for the rest — avoids
// re-detecting per chunk once it is known.
func (c *Client) TranscribeSegments(ctx context.Context, chunks []capability.SpeechChunk, language string, onProgress func(fraction float64)) (*capability.TranscribeResult, error) {
	if _, err := os.Stat(c.BinaryPath); err != nil {
		return nil, apperr.NewWithCode("asr.TranscribeSegments", apperr.ErrASRUnavailable, apperr.CodeASRUnavailable, "whisper binary not found")
	}
	if _, err := os.Stat(c.ModelPath); err != nil {
		return nil, apperr.NewWithCode("asr.TranscribeSegments", apperr.ErrASRUnavailable, apperr.CodeASRUnavailable, "whisper model not found")
	}
	if len(chunks) == 0 {
		return &capability.TranscribeResult{Language: language}, nil
	}

	effectiveLang := language
	var allSegments []capability.TranscriptSegment
	var languageProbability float64

	for i, chunk := range chunks {
		wavPath, err := c.writeChunkWAV(chunk)
		if err != nil {
			return nil, apperr.Wrap("asr.TranscribeSegments", err)
		}

		if i == 0 && (effectiveLang == "" || effectiveLang == "auto") {
			if detected := c.detectLanguage(ctx, wavPath); detected != "" {
				effectiveLang = detected
				languageProbability = 1.0
			}
		}

		segments, err := c.transcribeOne(ctx, wavPath, effectiveLang)
		os.Remove(wavPath)
		if err != nil {
			return nil, apperr.NewWithCode("asr.TranscribeSegments", apperr.ErrASRUnavailable, apperr.CodeASRUnavailable, err.Error())
		}

		for _, seg := range segments {
			allSegments = append(allSegments, capability.TranscriptSegment{
				Start: chunk.Offset + seg.Start,
				End:   chunk.Offset + seg.End,
				Text:  seg.Text,
			})
		}

		if onProgress != nil {
			onProgress(float64(i+1) / float64(len(chunks)))
		}
	}

	var textParts []string
	for _, seg := range allSegments {
		textParts = append(textParts, seg.Text)
	}

	return &capability.TranscribeResult{
		Text:                strings.Join(textParts, " "),
		Language:            effectiveLang,
		LanguageProbability: languageProbability,
		Segments:            allSegments,
	}, nil
}

// writeChunkWAV serializes a chunk's float32 samples as a 16-bit PCM mono
// WAV at 16kHz, the format whisper-cli requires.
func (c *Client) writeChunkWAV(chunk capability.SpeechChunk) (string, error) {
	f, err := os.CreateTemp(c.TmpDir, "asr-chunk-*.wav")
	if err != nil {
		return "", err
	}
	defer f.Close()

	const sampleRate = 16000
	dataSize := len(chunk.Samples) * 2
	w := bufio.NewWriter(f)

	w.WriteString("RIFF")
	binary.Write(w, binary.LittleEndian, uint32(36+dataSize))
	w.WriteString("WAVE")
	w.WriteString("fmt ")
	binary.Write(w, binary.LittleEndian, uint32(16))
	binary.Write(w, binary.LittleEndian, uint16(1))
	binary.Write(w, binary.LittleEndian, uint16(1))
	binary.Write(w, binary.LittleEndian, uint32(sampleRate))
	binary.Write(w, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(w, binary.LittleEndian, uint16(2))
	binary.Write(w, binary.LittleEndian, uint16(16))
	w.WriteString("data")
	binary.Write(w, binary.LittleEndian, uint32(dataSize))
	for _, s := range chunk.Samples {
		v := int16(s * 32767)
		binary.Write(w, binary.LittleEndian, v)
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// detectLanguage runs a short -dl pass, whisper-cli's own two-pass
// detection idiom, over the first chunk only.
func (c *Client) detectLanguage(ctx context.Context, wavPath string) string {
	dctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(dctx, c.BinaryPath, "-m", c.ModelPath, "-f", wavPath, "-dl")
	output, _ := cmd.CombinedOutput()
	matches := langDetectRe.FindStringSubmatch(string(output))
	if len(matches) >= 2 {
		return strings.ToLower(strings.TrimSpace(matches[1]))
	}
	return ""
}

func (c *Client) transcribeOne(ctx context.Context, wavPath, language string) ([]capability.TranscriptSegment, error) {
	args := []string{"-m", c.ModelPath, "-f", wavPath, "-np"}
	if language != "" && language != "auto" {
		args = append(args, "-l", language)
	}

	cmd := exec.CommandContext(ctx, c.BinaryPath, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("whisper-cli failed for %s: %w", filepath.Base(wavPath), err)
	}

	return parseSegments(string(output)), nil
}

func parseSegments(output string) []capability.TranscriptSegment {
	var segments []capability.TranscriptSegment
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		matches := timestampRe.FindStringSubmatch(strings.TrimSpace(line))
		if matches == nil {
			continue
		}
		text := strings.TrimSpace(matches[3])
		if text == "" {
			continue
		}
		segments = append(segments, capability.TranscriptSegment{
			Start: parseTimestamp(matches[1]),
			End:   parseTimestamp(matches[2]),
			Text:  text,
		})
	}
	return segments
}

func parseTimestamp(ts string) float64 {
	parts := strings.Split(ts, ":")
	if len(parts) != 3 {
		return 0
	}
	h, _ := strconv.ParseFloat(parts[0], 64)
	m, _ := strconv.ParseFloat(parts[1], 64)
	secParts := strings.Split(parts[2], ".")
	s, _ := strconv.ParseFloat(secParts[0], 64)
	var ms float64
	if len(secParts) > 1 {
		ms, _ = strconv.ParseFloat("0."+secParts[1], 64)
	}
	return h*3600 + m*60 + s + ms
}
