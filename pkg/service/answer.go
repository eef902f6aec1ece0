package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp-forge/embedsearch/pkg/llm"
	"github.com/hashicorp-forge/embedsearch/pkg/search"
)

const answerSystemPrompt = `You answer questions about the user's documents.
Use only the numbered context passages. Cite passages as [n].
If the context does not contain the answer, say so.`

// Answer is a streamed, grounded completion.
type Answer struct {
	// Sources are the passages quoted in the prompt, in citation order.
	Sources []search.RankedResult
	// Stream yields the answer text. It closes when the completion ends or
	// the context passed to AnswerStream is cancelled.
	Stream <-chan llm.Fragment
}

// AnswerStream searches for q and streams a completion grounded in the top
// results.
func (s *Service) AnswerStream(ctx context.Context, q search.Query) (*Answer, error) {
	if s.completer == nil {
		return nil, ErrAnswersDisabled
	}

	results, err := s.search.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(results) > s.cfg.AnswerContextChunks {
		results = results[:s.cfg.AnswerContextChunks]
	}

	stream, err := s.completer.StreamCompletion(ctx, llm.CompletionRequest{
		Model:  s.cfg.CompletionModel,
		System: answerSystemPrompt,
		Prompt: buildPrompt(q.Text, results),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start completion: %w", err)
	}

	s.logger.Debug("answer stream started", "owner_id", q.OwnerID, "sources", len(results))
	return &Answer{Sources: results, Stream: stream}, nil
}

// Ask returns the full answer text and its sources.
func (s *Service) Ask(ctx context.Context, q search.Query) (string, []search.RankedResult, error) {
	answer, err := s.AnswerStream(ctx, q)
	if err != nil {
		return "", nil, err
	}
	text, err := llm.Collect(answer.Stream)
	if err != nil {
		return text, answer.Sources, fmt.Errorf("completion failed: %w", err)
	}
	return text, answer.Sources, nil
}

func buildPrompt(question string, results []search.RankedResult) string {
	var sb strings.Builder
	if len(results) == 0 {
		sb.WriteString("Context: (no matching passages)\n\n")
	} else {
		sb.WriteString("Context:\n")
		for i, r := range results {
			title := r.DocumentTitle
			if r.SectionTitle != "" {
				title += " / " + r.SectionTitle
			}
			fmt.Fprintf(&sb, "[%d] %s\n%s\n\n", i+1, title, strings.TrimSpace(r.Text))
		}
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	return sb.String()
}
