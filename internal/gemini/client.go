// Package gemini implements integration with Google's Gemini AI API.
// It turns natural-language questions into SQL intents and synthesizes
// human answers from query results.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/database"
)

// Intent is the model's decision about a question: whether it needs the
// database and, if so, which SQL query answers it.
type Intent struct {
	NeedsDB     bool   `json:"needs_db"`
	SQLQuery    string `json:"sql_query"`
	Explanation string `json:"explanation"`
}

// Client defines the AI operations used throughout the application.
type Client interface {
	// AnalyzeIntent decides whether the question needs database access and
	// generates a read-only SQL query when it does. Schema may be nil when
	// no connection was provided; history may be empty.
	AnalyzeIntent(ctx context.Context, question string, schema *connector.SchemaInfo, history []*database.Exchange) (*Intent, error)

	// RepairQuery asks the model to fix a SQL query that failed with the
	// given database error, using the driver's dialect.
	RepairQuery(ctx context.Context, sqlQuery, dbError, driver string) (string, error)

	// SynthesizeAnswer produces the final human-readable answer from the
	// question, the intent, and the (possibly empty) result rows.
	// truncated marks totalRows as a lower bound: the row cap cut the
	// result set short.
	SynthesizeAnswer(ctx context.Context, question string, intent *Intent, rows []map[string]any, totalRows int, rowsShown int, truncated bool) (string, error)
}

type sdkClient struct {
	genaiClient      *genai.Client
	log              *slog.Logger
	contentConfig    *genai.GenerateContentConfig
	defaultModelName string
	maxRetries       int
	retryDelay       time.Duration
	timeout          time.Duration
}

// NewClient creates a new Gemini AI client with the provided configuration.
func NewClient(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	baseCfg := &genai.GenerateContentConfig{
		Temperature: &cfg.Temperature,
	}

	logger := log.With("component", "gemini_client")
	logger.Info("Gemini client initialized successfully", "model", cfg.Model)
	return &sdkClient{
		genaiClient:      gi,
		log:              logger,
		contentConfig:    baseCfg,
		defaultModelName: cfg.Model,
		maxRetries:       cfg.MaxRetries,
		retryDelay:       time.Duration(cfg.RetryDelaySeconds) * time.Second,
		timeout:          cfg.Timeout,
	}, nil
}

// callContext bounds one model operation with the configured timeout so
// a hung API call cannot block a request indefinitely.
func (c *sdkClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *sdkClient) generateContentWithRetries(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.genaiClient.Models.GenerateContent(ctx, c.defaultModelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		c.log.WarnContext(ctx, "Gemini API call failed, checking for retry", "attempt", i+1, "max_retries", c.maxRetries, "error", err)

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < c.maxRetries {
				c.log.InfoContext(ctx, "Retrying Gemini API call", "delay", c.retryDelay, "code", apiErr.Code)
				time.Sleep(c.retryDelay)
				continue
			}
			c.log.ErrorContext(ctx, "Gemini API call failed after max retries", "error", err, "code", apiErr.Code)
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w", c.maxRetries, apiErr.Code, err)
		}

		c.log.ErrorContext(ctx, "Gemini API call failed with non-retriable error", "error", err)
		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}

var intentSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"needs_db":    {Type: genai.TypeBoolean, Description: "Whether answering requires querying the database."},
		"sql_query":   {Type: genai.TypeString, Description: "A single read-only SELECT statement, or empty when needs_db is false."},
		"explanation": {Type: genai.TypeString, Description: "Brief explanation of the decision."},
	},
	Required: []string{"needs_db", "sql_query", "explanation"},
}

func (c *sdkClient) AnalyzeIntent(ctx context.Context, question string, schema *connector.SchemaInfo, history []*database.Exchange) (*Intent, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	c.log.DebugContext(ctx, "Analyzing question intent", "question_len", len(question), "history_len", len(history))

	prompt := BuildIntentPrompt(question, schema, history)
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	copyCfg := *c.contentConfig
	copyCfg.ResponseMIMEType = "application/json"
	copyCfg.ResponseSchema = intentSchema

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini intent analysis failed", "error", err)
		return nil, fmt.Errorf("failed to analyze intent: %w", err)
	}

	jsonText, err := c.extractTextFromResponse(ctx, resp, "intent analysis")
	if err != nil {
		return nil, err
	}

	var intent Intent
	if err := json.Unmarshal([]byte(jsonText), &intent); err != nil {
		c.log.ErrorContext(ctx, "Failed to parse intent JSON from Gemini response", "error", err, "response_text", jsonText)
		return nil, fmt.Errorf("invalid intent JSON received: %w", err)
	}

	intent.SQLQuery = StripSQLFences(intent.SQLQuery)

	c.log.DebugContext(ctx, "Intent analysis complete", "needs_db", intent.NeedsDB)
	return &intent, nil
}

func (c *sdkClient) RepairQuery(ctx context.Context, sqlQuery, dbError, driver string) (string, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	c.log.DebugContext(ctx, "Repairing failed query", "driver", driver)

	prompt := BuildRepairPrompt(sqlQuery, dbError, driver)
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	copyCfg := *c.contentConfig

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini query repair failed", "error", err)
		return "", fmt.Errorf("failed to repair query: %w", err)
	}

	text, err := c.extractTextFromResponse(ctx, resp, "query repair")
	if err != nil {
		return "", err
	}

	fixed := StripSQLFences(text)
	if fixed == "" {
		return "", fmt.Errorf("query repair returned empty SQL")
	}
	return fixed, nil
}

func (c *sdkClient) SynthesizeAnswer(ctx context.Context, question string, intent *Intent, rows []map[string]any, totalRows int, rowsShown int, truncated bool) (string, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	c.log.DebugContext(ctx, "Synthesizing answer", "result_rows", totalRows, "truncated", truncated)

	prompt, err := BuildAnswerPrompt(question, intent, rows, totalRows, rowsShown, truncated)
	if err != nil {
		return "", fmt.Errorf("failed to build answer prompt: %w", err)
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	copyCfg := *c.contentConfig

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini answer synthesis failed", "error", err)
		return "", fmt.Errorf("failed to synthesize answer: %w", err)
	}

	return c.extractTextFromResponse(ctx, resp, "answer synthesis")
}

func (c *sdkClient) extractTextFromResponse(ctx context.Context, resp *genai.GenerateContentResponse, op string) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "operation", op, "reason", reasonMsg)
		return "", fmt.Errorf("%s blocked by safety filter: %s", op, reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing candidates or content", "operation", op, "finish_reason", finishReason)

		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonStop {
			return "", fmt.Errorf("%s returned no content, finish reason: %s", op, finishReason)
		}
		return "", fmt.Errorf("%s returned empty content", op)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		c.log.WarnContext(ctx, "Gemini response text is empty", "operation", op)
		return "", fmt.Errorf("%s returned empty text", op)
	}

	return text, nil
}
