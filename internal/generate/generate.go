// Package generate turns a story position and a reader choice into the next
// chapter, treating the model output as untrusted input.
package generate

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
	"github.com/TobiSchelling/StoryForge/internal/choices"
	"github.com/TobiSchelling/StoryForge/internal/llm"
)

const systemPrompt = `You are the narrator of an interactive branching story. You write vivid, coherent prose in the second or third person, keep continuity with what came before, and end every chapter at a moment where the reader must decide what happens next.`

const openingPrompt = `Write chapter 1 of a new interactive story.

Premise:
%s

Respond with ONLY this JSON:
{
    "content": "The full chapter text, 400-900 words. Markdown allowed.",
    "summary": "One or two sentences summarizing the chapter",
    "choices": [
        {"title": "Short imperative title", "description": "What the reader does and what it might lead to", "impact": "low|medium|high", "type": "action|dialogue|exploration|moral"}
    ]
}

Offer 2 to 4 choices.`

const continuationPrompt = `Write chapter %d of an interactive story.

The previous chapter (chapter %d) ended like this:
%s

The reader chose:
  %s: %s

Continue the story from that decision. Do not repeat the previous chapter.

Respond with ONLY this JSON:
{
    "content": "The full chapter text, 400-900 words. Markdown allowed.",
    "summary": "One or two sentences summarizing the chapter",
    "choices": [
        {"title": "Short imperative title", "description": "What the reader does and what it might lead to", "impact": "low|medium|high", "type": "action|dialogue|exploration|moral"}
    ]
}

Offer 2 to 4 choices.`

// priorContextChars bounds how much of the previous chapter goes into the prompt.
const priorContextChars = 6000

// Request asks for the content of one chapter slot.
type Request struct {
	StoryID       string
	ChapterNumber int
	// Premise seeds chapter 1. Ignored for later chapters.
	Premise      string
	PriorContent string
	Choice       *choices.Payload
}

// Rejection records a generated choice that failed validation.
type Rejection struct {
	Index  int
	Reason string
}

// Response is a validated generation result. StoryID and ChapterNumber echo
// the request so callers can discard responses that arrive for another story.
type Response struct {
	StoryID       string
	ChapterNumber int
	Content       string
	Summary       string
	Choices       []choices.Payload
	Rejected      []Rejection
}

// Generator produces chapter content.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Options tunes LLM calls.
type Options struct {
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// LLMGenerator generates chapters with an llm.Provider.
type LLMGenerator struct {
	provider llm.Provider
	opts     Options
	newID    func() string
}

// NewLLMGenerator creates a generator. provider may be nil, in which case
// every call fails with GENERATION_FAILURE.
func NewLLMGenerator(provider llm.Provider, opts Options) *LLMGenerator {
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 2048
	}
	return &LLMGenerator{provider: provider, opts: opts, newID: uuid.NewString}
}

// Generate calls the provider and validates what it returns. Individual
// malformed choices are dropped and reported in Rejected; a missing or empty
// chapter body fails the whole call.
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	if g.provider == nil {
		return nil, apperr.New(apperr.CodeGenerationFailure, "no LLM provider available")
	}
	if req.ChapterNumber < 1 {
		return nil, apperr.New(apperr.CodeGenerationFailure, "invalid chapter number %d", req.ChapterNumber)
	}

	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := g.provider.Generate(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(req),
		MaxTokens:   g.opts.MaxTokens,
		Temperature: g.opts.Temperature,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeGenerationFailure, err,
			"generating story %s chapter %d", req.StoryID, req.ChapterNumber)
	}
	log.Printf("Generated story %s chapter %d in %v", req.StoryID, req.ChapterNumber, time.Since(start).Round(time.Millisecond))

	parsed := llm.ParseJSONResponse(text)
	if parsed == nil {
		return nil, apperr.New(apperr.CodeGenerationFailure,
			"generator returned unparseable output for story %s chapter %d", req.StoryID, req.ChapterNumber)
	}

	resp := &Response{
		StoryID:       req.StoryID,
		ChapterNumber: req.ChapterNumber,
		Content:       cleanContent(getStr(parsed, "content", "")),
		Summary:       strings.TrimSpace(getStr(parsed, "summary", "")),
	}
	if resp.Content == "" {
		return nil, apperr.New(apperr.CodeGenerationFailure,
			"generator returned no content for story %s chapter %d", req.StoryID, req.ChapterNumber)
	}

	resp.Choices, resp.Rejected = g.parseChoices(parsed)
	for _, r := range resp.Rejected {
		log.Printf("Dropped generated choice %d for story %s chapter %d: %s",
			r.Index, req.StoryID, req.ChapterNumber, r.Reason)
	}
	return resp, nil
}

func buildPrompt(req Request) string {
	if req.ChapterNumber == 1 || req.Choice == nil {
		premise := strings.TrimSpace(req.Premise)
		if premise == "" {
			premise = "Surprise the reader."
		}
		return fmt.Sprintf(openingPrompt, premise)
	}
	prior := req.PriorContent
	if len(prior) > priorContextChars {
		cut := len(prior) - priorContextChars
		for cut < len(prior) && !utf8.RuneStart(prior[cut]) {
			cut++
		}
		prior = "..." + prior[cut:]
	}
	return fmt.Sprintf(continuationPrompt,
		req.ChapterNumber, req.ChapterNumber-1, prior, req.Choice.Title, req.Choice.Description)
}

func (g *LLMGenerator) parseChoices(m map[string]any) ([]choices.Payload, []Rejection) {
	raw, ok := m["choices"].([]any)
	if !ok {
		return nil, nil
	}

	var valid []choices.Payload
	var rejected []Rejection
	seen := make(map[string]bool)
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			rejected = append(rejected, Rejection{Index: i, Reason: "not an object"})
			continue
		}
		p := choices.Payload{
			ID:          getStr(obj, "id", ""),
			ChoiceID:    getStr(obj, "choice_id", ""),
			Title:       getStr(obj, "title", ""),
			Description: getStr(obj, "description", ""),
			Impact:      getStr(obj, "impact", ""),
			Type:        getStr(obj, "type", ""),
		}
		// Model output rarely carries ids; mint one so the entry can be referenced.
		if p.ID == "" && p.ChoiceID == "" {
			p.ID = g.newID()
		}
		n, err := choices.Normalize(p)
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, Reason: apperr.Message(err)})
			continue
		}
		if seen[n.ID] {
			rejected = append(rejected, Rejection{Index: i, Reason: fmt.Sprintf("duplicate id %q", n.ID)})
			continue
		}
		seen[n.ID] = true
		valid = append(valid, n)
	}
	return valid, rejected
}

func getStr(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}
