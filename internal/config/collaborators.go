package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-boss/internal/assignee"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type MCPTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// MCPServer is a tool server whose catalog is advertised to the agentic
// assignee.
type MCPServer struct {
	Name    string    `json:"name"`
	BaseURL string    `json:"base_url"`
	APIKey  string    `json:"api_key,omitempty"`
	Tools   []MCPTool `json:"tools,omitempty"`
}

// DSPServer is a model endpoint the agentic assignee generates with.
type DSPServer struct {
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// Key returns the API key, preferring the named environment variable.
func (d DSPServer) Key() string {
	if d.APIKeyEnv != "" {
		if v := os.Getenv(d.APIKeyEnv); v != "" {
			return v
		}
	}
	return d.APIKey
}

// PromptSignature shapes the default agentic behavior.
type PromptSignature struct {
	Name               string         `yaml:"name" json:"name"`
	SystemPrompt       string         `yaml:"system_prompt" json:"system_prompt"`
	UserPromptTemplate string         `yaml:"user_prompt_template" json:"user_prompt_template,omitempty"`
	Parameters         map[string]any `yaml:"parameters" json:"parameters,omitempty"`
	// OutputSchema, when set, is a JSON schema every draft must satisfy.
	OutputSchema  map[string]any `yaml:"output_schema" json:"output_schema,omitempty"`
	MinConfidence float64        `yaml:"min_confidence" json:"min_confidence,omitempty"`
}

// Collaborators is the validated input a boss tree is built from.
type Collaborators struct {
	MCP    []MCPServer
	DSP    []DSPServer
	Prompt *PromptSignature
	Humans []assignee.Human
}

// DSPServer looks up a model server by name. An empty name selects the
// first one.
func (c Collaborators) DSPServer(name string) (DSPServer, bool) {
	for _, d := range c.DSP {
		if name == "" || d.Name == name {
			return d, true
		}
	}
	return DSPServer{}, false
}

// ToolNames lists the advertised MCP tools as server/tool.
func (c Collaborators) ToolNames() []string {
	var out []string
	for _, s := range c.MCP {
		for _, t := range s.Tools {
			out = append(out, s.Name+"/"+t.Name)
		}
	}
	return out
}

// LoadCollaborators reads and validates every collaborator file named in
// cfg.Sources. Missing files yield empty sections; malformed files fail.
func LoadCollaborators(cfg Config) (Collaborators, error) {
	var (
		c    Collaborators
		errs []error
		err  error
	)
	if p := cfg.Path(cfg.Sources.MCP); exists(p) {
		if c.MCP, err = LoadMCPServers(p); err != nil {
			errs = append(errs, err)
		}
	}
	if p := cfg.Path(cfg.Sources.DSP); exists(p) {
		if c.DSP, err = LoadDSPServers(p); err != nil {
			errs = append(errs, err)
		}
	}
	if p := cfg.Path(cfg.Sources.Prompt); exists(p) {
		if c.Prompt, err = LoadPromptSignature(p); err != nil {
			errs = append(errs, err)
		}
	}
	if p := cfg.Path(cfg.Sources.Humans); exists(p) {
		if c.Humans, err = LoadHumans(p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return c, errors.Join(errs...)
	}

	cfg.Boss.Walk(func(b *BossConfig) {
		if b.DSPServer == "" {
			return
		}
		if _, ok := c.DSPServer(b.DSPServer); !ok {
			errs = append(errs, fmt.Errorf("%w: boss %q references unknown dsp server %q", ErrInvalidConfig, b.ID, b.DSPServer))
		}
	})
	return c, errors.Join(errs...)
}

func LoadMCPServers(path string) ([]MCPServer, error) {
	var servers []MCPServer
	if err := loadServerList(path, "mcp", &servers); err != nil {
		return nil, err
	}
	if err := uniqueNames(path, len(servers), func(i int) string { return servers[i].Name }); err != nil {
		return nil, err
	}
	return servers, nil
}

func LoadDSPServers(path string) ([]DSPServer, error) {
	var servers []DSPServer
	if err := loadServerList(path, "dsp", &servers); err != nil {
		return nil, err
	}
	if err := uniqueNames(path, len(servers), func(i int) string { return servers[i].Name }); err != nil {
		return nil, err
	}
	for i := range servers {
		if servers[i].Provider == "" {
			servers[i].Provider = "openai_compatible"
		}
	}
	return servers, nil
}

func LoadPromptSignature(path string) (*PromptSignature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := validateYAML(path, "prompt", data); err != nil {
		return nil, err
	}
	var sig PromptSignature
	if err := yaml.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &sig, nil
}

// LoadHumans reads the roster. Telegram channels must carry a numeric chat id.
func LoadHumans(path string) ([]assignee.Human, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := validateYAML(path, "humans", data); err != nil {
		return nil, err
	}

	var humans []assignee.Human
	if err := yaml.Unmarshal(data, &humans); err != nil {
		var wrapped struct {
			Humans []assignee.Human `yaml:"humans"`
		}
		if werr := yaml.Unmarshal(data, &wrapped); werr != nil {
			return nil, fmt.Errorf("parse %s: %w", path, werr)
		}
		humans = wrapped.Humans
	}
	if err := uniqueNames(path, len(humans), func(i int) string { return humans[i].ID }); err != nil {
		return nil, err
	}
	for _, h := range humans {
		if h.Channel.Kind != assignee.ChannelTelegram {
			continue
		}
		if _, err := strconv.ParseInt(h.Channel.Address, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: %s: human %q telegram address %q is not a chat id", ErrInvalidConfig, path, h.ID, h.Channel.Address)
		}
	}
	return humans, nil
}

func loadServerList(path, kind string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if err := validateDoc(path, kind, doc); err != nil {
		return err
	}
	// Both a bare list and {"servers": [...]} are accepted.
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Servers json.RawMessage `json:"servers"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		trimmed = wrapped.Servers
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// validateYAML converts a YAML document to its JSON form and validates it.
func validateYAML(path, kind string, data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	js, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(js))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return validateDoc(path, kind, doc)
}

func validateDoc(path, kind string, doc any) error {
	schema, err := compiledSchema(kind)
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

func compiledSchema(kind string) (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schemas = make(map[string]*jsonschema.Schema)
		c := jsonschema.NewCompiler()
		kinds := []string{"mcp", "dsp", "prompt", "humans"}
		for _, k := range kinds {
			raw, err := schemaFS.ReadFile("schemas/" + k + ".schema.json")
			if err != nil {
				schemaErr = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				schemaErr = fmt.Errorf("unmarshal %s schema: %w", k, err)
				return
			}
			if err := c.AddResource(k+".schema.json", doc); err != nil {
				schemaErr = fmt.Errorf("add %s schema: %w", k, err)
				return
			}
		}
		for _, k := range kinds {
			s, err := c.Compile(k + ".schema.json")
			if err != nil {
				schemaErr = fmt.Errorf("compile %s schema: %w", k, err)
				return
			}
			schemas[k] = s
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	s, ok := schemas[kind]
	if !ok {
		return nil, fmt.Errorf("no schema for %q", kind)
	}
	return s, nil
}

func uniqueNames(path string, n int, name func(int) string) error {
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		if seen[name(i)] {
			return fmt.Errorf("%w: %s: duplicate entry %q", ErrInvalidConfig, path, name(i))
		}
		seen[name(i)] = true
	}
	return nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
