package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/docingest/internal/pipeline"
)

// --- Extractor Model Prompts ---
const ExtractorSystemPrompt = "You are a document parser. Your task is to read the content of a document and extract its full text and the named entities it mentions. Accuracy, detail, and information preservation are of utmost importance."
const ExtractorUserPrompt = `You will be provided with a document.

Extract two things from it:

1. "text": the complete textual content of the document, in reading order. Preserve all details; do not summarize or omit.
2. "entities": an array of objects, each with a "text" key (the exact mention) and a "type" key (one of: person, organization, location, date, amount, other).

Respond with a single valid JSON object with exactly these two keys. Do not include any text before or after the JSON object.`

// GeminiParser is the fallback single-shot parser backed by a Vertex AI
// generative model. It only supports the synchronous path: multi-chunk units
// always go through the batch parsing service.
type GeminiParser struct {
	model      *genai.GenerativeModel
	baseClient *genai.Client
}

var _ pipeline.Parser = (*GeminiParser)(nil)

// NewGeminiParser creates a parser using the given model in the given
// project and region.
func NewGeminiParser(ctx context.Context, projectID, region, modelName string) (*GeminiParser, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewGeminiParser: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := baseClient.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractorSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &GeminiParser{model: model, baseClient: baseClient}, nil
}

func (p *GeminiParser) Close() error {
	if p.baseClient != nil {
		return p.baseClient.Close()
	}
	return nil
}

func (p *GeminiParser) ParseSync(ctx context.Context, uri, mimeType string) (*pipeline.ParseResult, error) {
	filePart := genai.FileData{MIMEType: mimeType, FileURI: uri}
	resp, err := p.model.GenerateContent(ctx, filePart, genai.Text(ExtractorUserPrompt))
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("generate content for %s: %w", uri, err))
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &pipeline.RemoteError{Message: fmt.Sprintf("model returned no candidates for %s", uri)}
	}

	var builder strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			builder.WriteString(string(text))
		}
	}

	var payload struct {
		Text     string            `json:"text"`
		Entities []pipeline.Entity `json:"entities"`
	}
	if err := json.Unmarshal([]byte(builder.String()), &payload); err != nil {
		return nil, &pipeline.RemoteError{Message: fmt.Sprintf("model returned invalid JSON for %s: %v", uri, err)}
	}
	return &pipeline.ParseResult{Text: payload.Text, Entities: payload.Entities}, nil
}

func (p *GeminiParser) BatchStart(ctx context.Context, uris []string, mimeType, outputPrefix string) (string, error) {
	return "", &pipeline.RemoteError{Message: "gemini parser does not support batch operations"}
}

func (p *GeminiParser) BatchPoll(ctx context.Context, handle string) (*pipeline.BatchStatus, error) {
	return nil, &pipeline.RemoteError{Message: "gemini parser does not support batch operations"}
}
