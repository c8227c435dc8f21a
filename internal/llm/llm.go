// Package llm implements the LLM capability on top of
// github.com/tmc/langchaingo: transcript formatting, summary generation and
// keyword extraction against an Ollama server, or a vLLM server through its
// OpenAI-compatible API when one is configured. Prompts, chunking and
// truncation budgets follow the behavior of the upstream summarization
// service this replaces (12000-char formatting chunks, 8000/6000-char
// summary/keyword budgets, keyword-line cleanup and separator
// normalization).
package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/capability"
	"github.com/sunyych/ingestd/internal/constants"
)

const (
	// formatChunkSize bounds how much transcript is formatted per request;
	// longer texts are split and the formatted chunks re-joined.
	formatChunkSize = 12000
	// summaryBudget / keywordBudget truncate the transcript fed to the
	// summary and keyword prompts.
	summaryBudget = 8000
	keywordBudget = 6000
)

// Client satisfies capability.LLM against an Ollama or vLLM backend.
type Client struct {
	model   llms.Model
	timeout time.Duration
	log     zerolog.Logger
}

var _ capability.LLM = (*Client)(nil)

// New builds a Client. A non-empty vllmURL selects the vLLM backend via its
// OpenAI-compatible completions API; otherwise ollamaURL is used.
func New(ollamaURL, vllmURL, modelName string, log zerolog.Logger) (*Client, error) {
	var (
		m   llms.Model
		err error
	)
	if vllmURL != "" {
		m, err = openai.New(
			openai.WithBaseURL(strings.TrimRight(vllmURL, "/")+"/v1"),
			openai.WithModel(modelName),
			openai.WithToken("unused"),
		)
	} else {
		m, err = ollama.New(
			ollama.WithServerURL(ollamaURL),
			ollama.WithModel(modelName),
		)
	}
	if err != nil {
		return nil, apperr.Wrap("llm.New", err)
	}
	return &Client{model: m, timeout: constants.LLMRequestTimeout, log: log}, nil
}

// generate runs one completion with the request timeout applied. Transport
// and deadline failures are surfaced as ErrLLMTransient so the summarize
// stage retries in place instead of failing the item.
func (c *Client) generate(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := llms.GenerateFromSinglePrompt(tctx, c.model, prompt, opts...)
	if err != nil {
		return "", classify(err)
	}
	return strings.TrimSpace(out), nil
}

// classify maps an llm backend error onto the error taxonomy. Everything a
// retry could plausibly fix — timeouts, refused connections, 5xx surfaced
// as transport errors — is transient; only context cancellation passes
// through unchanged so shutdown is not mistaken for an LLM outage.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.NewWithCode("llm.generate", apperr.ErrLLMTransient, apperr.CodeLLMTransient, "llm request timed out")
	}
	return apperr.NewWithCode("llm.generate", apperr.ErrLLMTransient, apperr.CodeLLMTransient, err.Error())
}

// FormatTranscript adds punctuation and paragraph breaks to a raw
// transcript. Long transcripts are split into fixed-size chunks,
// each formatted separately and re-joined with blank lines. Any failure
// returns the error to the caller, which keeps the raw text.
func (c *Client) FormatTranscript(ctx context.Context, text, language string) (string, error) {
	if text == "" {
		return "", nil
	}
	if len(text) <= formatChunkSize {
		return c.formatChunk(ctx, text, language)
	}

	c.log.Debug().Int("length", len(text)).Msg("llm: formatting long transcript in chunks")
	var parts []string
	for start := 0; start < len(text); start += formatChunkSize {
		end := start + formatChunkSize
		if end > len(text) {
			end = len(text)
		}
		formatted, err := c.formatChunk(ctx, text[start:end], language)
		if err != nil {
			return "", err
		}
		parts = append(parts, formatted)
	}
	return strings.Join(parts, "\n\n"), nil
}

func (c *Client) formatChunk(ctx context.Context, chunk, language string) (string, error) {
	prompt := "请为以下视频转录内容添加标点符号并分段落整理。转录内容使用" + language + "。\n\n" +
		"要求：\n" +
		"1. 添加适当的标点符号（句号、逗号、问号、感叹号等）\n" +
		"2. 根据语义和停顿，将内容分成多个段落\n" +
		"3. 每个段落应该表达一个完整的意思\n" +
		"4. 保持原文内容不变，只添加标点符号和分段\n" +
		"5. 使用" + language + "回复\n\n" +
		"转录内容：\n" + chunk + "\n\n请整理后的内容："
	out, err := c.generate(ctx, prompt, llms.WithTemperature(0.3))
	if err != nil {
		return "", err
	}
	if out == "" {
		return chunk, nil
	}
	return stripPromptEcho(out, chunk), nil
}

// stripPromptEcho drops a leading echo of the prompt if the model replayed
// it before the formatted content.
func stripPromptEcho(out, original string) string {
	probe := original
	if len(probe) > 50 {
		probe = probe[:50]
	}
	if !strings.HasPrefix(out, probe) {
		return out
	}
	lines := strings.Split(out, "\n")
	for i := 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed != "" && !strings.HasPrefix(trimmed, "请") && !strings.HasPrefix(trimmed, "转录") {
			return strings.Join(lines[i:], "\n")
		}
	}
	return out
}

// GenerateSummary produces a short summary of the transcript in the given
// language.
func (c *Client) GenerateSummary(ctx context.Context, text, language string) (string, error) {
	if len(text) > summaryBudget {
		text = text[:summaryBudget] + "..."
	}
	prompt := "请为以下视频转录内容生成一个简洁的总结。转录内容使用" + language + "。\n\n" +
		"要求：\n" +
		"1. 总结应该简洁明了，突出主要内容\n" +
		"2. 如果内容较长，可以分段总结\n" +
		"3. 使用" + language + "回复\n\n" +
		"转录内容：\n" + text + "\n\n请生成总结："
	return c.generate(ctx, prompt, llms.WithTemperature(0.7), llms.WithMaxTokens(1000))
}

// GenerateKeywords extracts 5-10 comma-separated keywords from the
// transcript and title. The raw completion is scrubbed down to the one line
// that actually carries the keyword list, with full-width separators
// normalized.
func (c *Client) GenerateKeywords(ctx context.Context, transcript, title, language string) (string, error) {
	var content strings.Builder
	if title != "" {
		content.WriteString("标题: " + title + "\n\n")
	}
	if len(transcript) > keywordBudget {
		content.WriteString(transcript[:keywordBudget] + "...")
	} else {
		content.WriteString(transcript)
	}

	prompt := "请为以下视频内容提取关键词。转录内容使用" + language + "。\n\n" +
		"要求：\n" +
		"1. 提取5-10个最重要的关键词\n" +
		"2. 关键词应该能够概括视频的主要内容\n" +
		"3. 关键词之间用逗号分隔\n" +
		"4. 只返回关键词，不要其他说明文字\n" +
		"5. 使用" + language + "回复\n\n" +
		"视频内容：\n" + content.String() + "\n\n关键词："
	out, err := c.generate(ctx, prompt, llms.WithTemperature(0.5), llms.WithMaxTokens(200))
	if err != nil {
		return "", err
	}
	return CleanKeywordLine(out), nil
}

// CleanKeywordLine extracts the keyword list from a raw completion:
// instruction echoes are skipped, the first comma-bearing line wins,
// full-width commas are normalized and trailing punctuation dropped.
func CleanKeywordLine(raw string) string {
	var keywordLine string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "请") || strings.HasPrefix(line, "关键词") || strings.HasPrefix(line, "要求") {
			continue
		}
		if strings.Contains(line, ",") || strings.Contains(line, "，") {
			keywordLine = line
			break
		}
		if keywordLine == "" {
			keywordLine = line
		}
	}
	keywordLine = strings.ReplaceAll(keywordLine, "，", ",")
	return strings.TrimRight(keywordLine, ".,。，")
}
