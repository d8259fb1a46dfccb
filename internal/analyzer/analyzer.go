// Package analyzer turns raw call transcripts into validated pipeline
// assignments using an LLM held to a closed output schema.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lumina-crm/pulse/internal/llm"
	"github.com/lumina-crm/pulse/internal/model"
)

// DefaultStages is the fallback pipeline vocabulary used when the caller
// supplies no stage names.
var DefaultStages = []string{"new", "contacted", "qualified", "proposal", "closed-won", "closed-lost"}

const completionTemperature = 0.1

// ParseError means the model's top-level response was not valid JSON.
// Unlike per-entry validation failures, which are dropped individually,
// this fails the whole analysis. The transcript is preserved so the
// caller can retry.
type ParseError struct {
	Transcript string
	cause      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("analysis response was not valid JSON: %v", e.cause)
}

func (e *ParseError) Unwrap() error {
	return e.cause
}

// Analyzer extracts pipeline assignments from transcripts.
type Analyzer struct {
	provider llm.Provider
	model    string
}

func New(provider llm.Provider, model string) *Analyzer {
	return &Analyzer{provider: provider, model: model}
}

// Analyze asks the model for structured assignments and returns only the
// entries that survive validation. The result may be empty; it is never
// partial or malformed. Per-entry validation failures are dropped and the
// batch continues: a partial correct result beats a total failure.
//
// There is no mid-flight cancellation beyond ctx: the completion runs to
// success or failure.
func (a *Analyzer) Analyze(ctx context.Context, transcript string, stages []string) ([]model.PipelineAssignment, error) {
	if len(stages) == 0 {
		stages = DefaultStages
	}

	temp := completionTemperature
	resp, err := a.provider.Complete(ctx, llm.Request{
		Model:       a.model,
		System:      systemPrompt(stages),
		User:        transcript,
		Temperature: &temp,
		JSONOutput:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("transcript analysis: %w", err)
	}

	rawEntries, err := normalizeShape(resp.Content)
	if err != nil {
		return nil, &ParseError{Transcript: transcript, cause: err}
	}

	assignments := make([]model.PipelineAssignment, 0, len(rawEntries))
	for i, raw := range rawEntries {
		var pa model.PipelineAssignment
		if err := json.Unmarshal(raw, &pa); err != nil {
			slog.Warn("dropping unparseable assignment entry", "index", i, "error", err)
			continue
		}
		if reason := validate(pa); reason != "" {
			slog.Warn("dropping invalid assignment entry",
				"index", i,
				"action", pa.Action,
				"reason", reason,
			)
			continue
		}
		assignments = append(assignments, pa)
	}

	slog.Info("transcript analyzed",
		"model", resp.Model,
		"candidates", len(rawEntries),
		"accepted", len(assignments),
	)
	return assignments, nil
}

// systemPrompt enumerates the closed stage vocabulary and the exact
// output schema. The model must not invent stages outside the list.
func systemPrompt(stages []string) string {
	var sb strings.Builder
	sb.WriteString("You analyze sales call transcripts and produce pipeline assignments.\n")
	sb.WriteString("Valid pipeline stages (use ONLY these): ")
	sb.WriteString(strings.Join(stages, ", "))
	sb.WriteString("\n\n")
	sb.WriteString("Respond with JSON of the form:\n")
	sb.WriteString(`{"assignments": [{"action": "create" | "update" | "delete", ` +
		`"leadId": "<required for update/delete>", ` +
		`"pipelineStage": "<required, one of the valid stages>", ` +
		`"reason": "<short human-readable justification>", ` +
		`"leadData": {"name": "<required for create>", "email": "", "phone": "", "company": "", "notes": ""}}]}`)
	sb.WriteString("\nReturn an empty assignments array if the transcript contains no actionable lead information.")
	return sb.String()
}

// normalizeShape coerces the three accepted response shapes (a bare
// array, an object with an assignments array, or a single assignment
// object) into the canonical array form.
func normalizeShape(content string) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(content)

	switch {
	case strings.HasPrefix(trimmed, "["):
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &arr); err != nil {
			return nil, err
		}
		return arr, nil

	case strings.HasPrefix(trimmed, "{"):
		var envelope struct {
			Assignments []json.RawMessage `json:"assignments"`
		}
		if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
			return nil, err
		}
		if envelope.Assignments != nil {
			return envelope.Assignments, nil
		}
		// A single assignment object.
		return []json.RawMessage{json.RawMessage(trimmed)}, nil

	default:
		return nil, fmt.Errorf("response is neither a JSON array nor an object")
	}
}

// validate returns a non-empty reason when the assignment must be dropped.
func validate(pa model.PipelineAssignment) string {
	if pa.Action == "" {
		return "missing action"
	}
	if !model.ValidAssignmentAction(pa.Action) {
		return "unknown action"
	}
	if strings.TrimSpace(pa.PipelineStage) == "" {
		return "missing pipelineStage"
	}
	switch pa.Action {
	case model.ActionCreate:
		if pa.LeadData == nil || strings.TrimSpace(pa.LeadData.Name) == "" {
			return "create requires leadData.name"
		}
	case model.ActionUpdate, model.ActionDelete:
		if strings.TrimSpace(pa.LeadID) == "" {
			return "missing leadId"
		}
	}
	return ""
}
