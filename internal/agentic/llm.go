package agentic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-boss/internal/config"
	"github.com/basket/go-boss/internal/otel"
)

// Generator produces model output for a system and user prompt.
type Generator func(ctx context.Context, system, prompt string) (string, error)

// LLM is a model-driven Agent shaped by a prompt signature.
type LLM struct {
	generate      Generator
	model         string
	prompts       *promptSet
	schema        *jsonschema.Schema
	schemaText    string
	minConfidence float64
	tracer        trace.Tracer
	logger        *slog.Logger
}

type Option func(*LLM)

func WithTracer(t trace.Tracer) Option { return func(l *LLM) { l.tracer = t } }

func WithLogger(logger *slog.Logger) Option { return func(l *LLM) { l.logger = logger } }

func WithModel(name string) Option { return func(l *LLM) { l.model = name } }

// NewLLM builds an LLM agent. sig may be nil for the built-in prompts. When
// sig carries an output_schema every draft is validated against it.
func NewLLM(gen Generator, sig *config.PromptSignature, opts ...Option) (*LLM, error) {
	if gen == nil {
		return nil, fmt.Errorf("agentic: nil generator")
	}
	ps, err := newPromptSet(sig)
	if err != nil {
		return nil, err
	}
	l := &LLM{generate: gen, prompts: ps, logger: slog.Default()}
	if sig != nil {
		l.minConfidence = sig.MinConfidence
		if len(sig.OutputSchema) > 0 {
			if err := l.compileSchema(sig.OutputSchema); err != nil {
				return nil, err
			}
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *LLM) compileSchema(raw map[string]any) error {
	text, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal output schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(text)))
	if err != nil {
		return fmt.Errorf("unmarshal output schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("output.json", doc); err != nil {
		return fmt.Errorf("add output schema: %w", err)
	}
	schema, err := c.Compile("output.json")
	if err != nil {
		return fmt.Errorf("compile output schema: %w", err)
	}
	l.schema = schema
	l.schemaText = string(text)
	return nil
}

func (l *LLM) call(ctx context.Context, phase string, b Brief, prompt string) (string, error) {
	ctx, span := otel.StartClientSpan(ctx, l.tracer, "agent."+phase,
		otel.AttrPhase.String(phase),
		otel.AttrModel.String(l.model),
		otel.AttrTaskID.String(b.TaskID),
	)
	defer span.End()
	out, err := l.generate(ctx, l.prompts.system, prompt)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%s: %w", phase, err)
	}
	return strings.TrimSpace(out), nil
}

func (l *LLM) Research(ctx context.Context, b Brief) (Findings, error) {
	prompt, err := l.prompts.research(b)
	if err != nil {
		return Findings{}, err
	}
	notes, err := l.call(ctx, "research", b, prompt)
	if err != nil {
		return Findings{}, err
	}
	return Findings{Notes: notes}, nil
}

func (l *LLM) Synthesize(ctx context.Context, b Brief, f Findings) (Draft, error) {
	prompt, err := l.prompts.synthesize(b, f, l.schemaText)
	if err != nil {
		return Draft{}, err
	}
	text, err := l.call(ctx, "synthesize", b, prompt)
	if err != nil {
		return Draft{}, err
	}
	if l.schema == nil {
		return Draft{Summary: text}, nil
	}
	return l.structuredDraft(text), nil
}

// structuredDraft validates model output against the output schema.
func (l *LLM) structuredDraft(text string) Draft {
	raw := extractJSON(text)
	if raw == "" {
		return Draft{Summary: text, Invalid: "response does not contain JSON"}
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return Draft{Summary: text, Invalid: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := l.schema.Validate(doc); err != nil {
		return Draft{Summary: raw, Invalid: fmt.Sprintf("schema validation failed: %s", err)}
	}
	d := Draft{Summary: raw}
	var data map[string]any
	if json.Unmarshal([]byte(raw), &data) == nil {
		d.Data = data
		for _, key := range []string{"summary", "answer"} {
			if s, ok := data[key].(string); ok && s != "" {
				d.Summary = s
				break
			}
		}
	}
	return d
}

func (l *LLM) Judge(ctx context.Context, b Brief, d Draft) (Verdict, error) {
	if d.Invalid != "" {
		return Verdict{Feedback: d.Invalid}, nil
	}
	prompt, err := l.prompts.judge(b, d)
	if err != nil {
		return Verdict{}, err
	}
	text, err := l.call(ctx, "judge", b, prompt)
	if err != nil {
		return Verdict{}, err
	}

	var v struct {
		Accept     bool    `json:"accept"`
		Confidence float64 `json:"confidence"`
		Feedback   string  `json:"feedback"`
	}
	raw := extractJSON(text)
	if raw == "" || json.Unmarshal([]byte(raw), &v) != nil {
		l.logger.Warn("unparseable judge output", "task_id", b.TaskID)
		return Verdict{Feedback: "judge output was not valid JSON: " + text}, nil
	}
	verdict := Verdict{Accept: v.Accept, Confidence: v.Confidence, Feedback: v.Feedback}
	if verdict.Accept && verdict.Confidence < l.minConfidence {
		verdict.Accept = false
		verdict.Feedback = strings.TrimSpace(fmt.Sprintf("confidence %.2f below %.2f. %s", v.Confidence, l.minConfidence, v.Feedback))
	}
	return verdict, nil
}

func (l *LLM) Reflect(ctx context.Context, in Incident) (string, error) {
	return l.call(ctx, "reflect", Brief{TaskID: in.TaskID}, reflectPrompt(in))
}

// NewGenkitGenerator initializes genkit for one DSP server and returns a
// generator bound to its model, plus the resolved model name.
func NewGenkitGenerator(ctx context.Context, dsp config.DSPServer) (Generator, string, error) {
	provider := strings.ToLower(dsp.Provider)
	apiKey := dsp.Key()

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		if apiKey == "" {
			return nil, "", fmt.Errorf("dsp server %s: anthropic requires an api key", dsp.Name)
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: dsp.BaseURL}))
	case "google":
		if apiKey == "" {
			return nil, "", fmt.Errorf("dsp server %s: google requires an api key", dsp.Name)
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}))
	case "openai", "openrouter", "openai_compatible", "":
		if apiKey == "" {
			// Local OpenAI-compatible servers ignore the key but the client requires one.
			apiKey = "unused"
		}
		name := provider
		if name == "openai_compatible" || name == "" {
			name = dsp.Name
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: name,
			APIKey:   apiKey,
			BaseURL:  dsp.BaseURL,
		}))
	default:
		return nil, "", fmt.Errorf("dsp server %s: unknown provider %q", dsp.Name, dsp.Provider)
	}

	model := modelNameForProvider(provider, dsp.Model)
	gen := func(ctx context.Context, system, prompt string) (string, error) {
		// WithSystem and WithPrompt format their text.
		resp, err := genkit.Generate(ctx, g,
			ai.WithModelName(model),
			ai.WithSystem(strings.ReplaceAll(system, "%", "%%")),
			ai.WithPrompt(strings.ReplaceAll(prompt, "%", "%%")),
		)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return gen, model, nil
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		if model == "" {
			model = "claude-sonnet-4-5-20250929"
		}
		return "anthropic/" + model
	case "google":
		if model == "" {
			model = "gemini-2.5-flash"
		}
		return "googleai/" + model
	case "openai":
		if model == "" {
			model = "gpt-4o-mini"
		}
		return "openai/" + model
	default:
		// openrouter and compatible servers take the model name as configured.
		return model
	}
}
