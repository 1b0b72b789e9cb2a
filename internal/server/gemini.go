package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/xelth-com/healthsync/internal/remote"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiAnalyzer adds a written interpretation to the statistical summary
type GeminiAnalyzer struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

type narrative struct {
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations,omitempty"`
}

type geminiResult struct {
	Stats
	Narrative *narrative `json:"narrative,omitempty"`
}

// NewGeminiAnalyzer creates a Gemini-backed analyzer
func NewGeminiAnalyzer(ctx context.Context, apiKey, modelName string) (*GeminiAnalyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is empty")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if modelName == "" {
		modelName = defaultGeminiModel
	}

	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"

	return &GeminiAnalyzer{client: client, model: model}, nil
}

// Name implements Analyzer
func (g *GeminiAnalyzer) Name() string { return "gemini" }

// Close closes the client connection
func (g *GeminiAnalyzer) Close() {
	if g.client != nil {
		g.client.Close()
	}
}

// Analyze implements Analyzer
func (g *GeminiAnalyzer) Analyze(ctx context.Context, req remote.AnalysisRequest, samples []Sample) (json.RawMessage, error) {
	st, err := ComputeStats(samples)
	if err != nil {
		return nil, err
	}
	st.EntityType = req.EntityType

	text, err := g.generate(ctx, buildPrompt(req, st))
	if err != nil {
		return nil, err
	}

	var n narrative
	if err := json.Unmarshal([]byte(sanitizeJSON(text)), &n); err != nil {
		return nil, fmt.Errorf("invalid gemini response: %w", err)
	}
	return json.Marshal(geminiResult{Stats: st, Narrative: &n})
}

func (g *GeminiAnalyzer) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generation error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from gemini")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String(), nil
}

func buildPrompt(req remote.AnalysisRequest, st Stats) string {
	var sb strings.Builder
	sb.WriteString("You review personal health measurements. Do not diagnose.\n")
	fmt.Fprintf(&sb, "Analysis kind: %s\n", req.Kind)
	fmt.Fprintf(&sb, "Summary: %s\n", FormatStats(st))
	if len(req.Params) > 0 {
		params, _ := json.Marshal(req.Params)
		fmt.Fprintf(&sb, "Parameters: %s\n", params)
	}
	sb.WriteString(`Reply with JSON only: {"summary": string, "recommendations": [string]}`)
	return sb.String()
}

// sanitizeJSON strips Markdown code fences from model output
func sanitizeJSON(input string) string {
	cleaned := strings.TrimSpace(input)

	if strings.HasPrefix(cleaned, "```json") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
	} else if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```")
	}
	cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")

	return strings.TrimSpace(cleaned)
}
