package agentic

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/basket/go-boss/internal/config"
)

const defaultSystemPrompt = "You are a supervising agent. Work the assigned task carefully and report concisely."

const defaultUserTemplate = `Task: {{.Title}}
{{if .Description}}
{{.Description}}
{{end}}{{if .Tools}}
Available tools: {{join .Tools ", "}}
{{end}}`

var funcs = template.FuncMap{"join": strings.Join}

// promptSet renders the per-phase prompts of one signature.
type promptSet struct {
	system string
	user   *template.Template
	params map[string]any
}

func newPromptSet(sig *config.PromptSignature) (*promptSet, error) {
	ps := &promptSet{system: defaultSystemPrompt}
	text := defaultUserTemplate
	if sig != nil {
		ps.system = sig.SystemPrompt
		ps.params = sig.Parameters
		if sig.UserPromptTemplate != "" {
			text = sig.UserPromptTemplate
		}
	}
	tmpl, err := template.New("user").Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse user prompt template: %w", err)
	}
	ps.user = tmpl
	return ps, nil
}

type templateData struct {
	TaskID      string
	Title       string
	Description string
	Tools       []string
	Attempt     int
	Params      map[string]any
}

func (ps *promptSet) task(b Brief) (string, error) {
	var buf bytes.Buffer
	err := ps.user.Execute(&buf, templateData{
		TaskID:      b.TaskID,
		Title:       b.Subject(),
		Description: b.Description,
		Tools:       b.Tools,
		Attempt:     b.Attempt,
		Params:      ps.params,
	})
	if err != nil {
		return "", fmt.Errorf("render user prompt: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (ps *promptSet) research(b Brief) (string, error) {
	base, err := ps.task(b)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\nResearch phase: list the facts, open questions and sources you need before answering. Do not answer yet.")
	if b.Attempt > 1 {
		sb.WriteString("\n\n")
		sb.WriteString(buildRethinkPrompt(b))
	}
	return sb.String(), nil
}

func (ps *promptSet) synthesize(b Brief, f Findings, schema string) (string, error) {
	base, err := ps.task(b)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\nResearch notes:\n")
	sb.WriteString(f.Notes)
	if schema != "" {
		sb.WriteString("\n\nRespond with a single JSON object matching this schema:\n")
		sb.WriteString(schema)
	} else {
		sb.WriteString("\n\nWrite the final answer.")
	}
	return sb.String(), nil
}

func (ps *promptSet) judge(b Brief, d Draft) (string, error) {
	base, err := ps.task(b)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\nProposed answer:\n")
	sb.WriteString(d.Summary)
	sb.WriteString("\n\nJudge whether the answer fully and correctly resolves the task. ")
	sb.WriteString(`Respond only with JSON: {"accept": true|false, "confidence": 0.0-1.0, "feedback": "what to fix"}`)
	return sb.String(), nil
}

func reflectPrompt(in Incident) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Boss %s stopped making progress.\n\n", in.BossID)
	if in.TaskID != "" {
		fmt.Fprintf(&sb, "Failing task: %s\n", in.TaskID)
	}
	if in.Kind != "" {
		fmt.Fprintf(&sb, "Failure: %s: %s\n", in.Kind, in.Message)
	}
	fmt.Fprintf(&sb, "Rethinks used: %d, restarts so far: %d\n", in.Rethinks, in.Restarts)
	if len(in.Transitions) > 0 {
		sb.WriteString("\nRecent state transitions:\n")
		for _, tr := range in.Transitions {
			sb.WriteString("- ")
			sb.WriteString(tr)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nWrite a short post-mortem: the likely cause and what to change before retrying.")
	return sb.String()
}

// buildRethinkPrompt carries the judge's feedback into the next attempt.
func buildRethinkPrompt(b Brief) string {
	var sb strings.Builder
	sb.WriteString("Your previous answer to this task was rejected.\n\n")
	if b.Previous != nil {
		fmt.Fprintf(&sb, "Previous answer (attempt %d):\n%s\n\n", b.Attempt-1, b.Previous.Summary)
	}
	if b.Feedback != "" {
		fmt.Fprintf(&sb, "Reviewer feedback:\n%s\n\n", b.Feedback)
	}
	sb.WriteString("Analyze the feedback, adjust your approach, and research again.\n")
	sb.WriteString("Be explicit about what you're changing and why.")
	return sb.String()
}
