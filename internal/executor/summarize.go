package executor

import (
	"context"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/constants"
	"github.com/sunyych/ingestd/internal/model"
)

// Summarize runs the summarize stage. Keywords are best-effort: a
// keyword-generation failure never fails the stage. A transient summary
// LLM error (apperr.ErrLLMTransient) keeps the item in StageSummarizing
// with the error message set so the next scheduler tick retries; any other
// summary error marks the item failed.
func (e *Executor) Summarize(ctx context.Context, it *model.Item) error {
	it.Stage = model.StageSummarizing
	if err := e.Items.Update(it); err != nil {
		return err
	}

	lang := e.summaryLanguage(it)

	summary, err := e.LLM.GenerateSummary(ctx, it.Transcript, lang)
	if err != nil {
		if apperr.IsLLMTransient(err) {
			e.Log.Warn().Err(err).Str("item", it.ID).Msg("executor: llm summary transient error, retrying next tick")
			return e.saveErr(it, err)
		}
		it.Stage = model.StageFailed
		it.ErrorMessage = err.Error()
		return e.Items.Update(it)
	}
	it.Summary = summary

	keywords, kerr := e.LLM.GenerateKeywords(ctx, it.Transcript, it.Title, lang)
	if kerr != nil {
		e.Log.Warn().Err(kerr).Str("item", it.ID).Msg("executor: keyword generation failed, keywords remain empty")
	} else {
		it.Keywords = keywords
	}

	it.Stage = model.StageCompleted
	it.Progress = constants.ProgressComplete
	completedAt := now()
	it.CompletedAt = &completedAt
	it.ErrorMessage = ""
	return e.Items.Update(it)
}
