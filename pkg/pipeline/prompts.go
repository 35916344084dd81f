package pipeline

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed prompts/*.md
var promptsFS embed.FS

// Prompts contains the system prompts loaded from embedded files.
type Prompts struct {
	Extract   string // entity extraction
	Decompose string // sub-question decomposition
	Generate  string // SQL generation (also used for repair rewrites)
	Narrative string // narrative rendering over gathered results
	FollowUp  string // follow-up question suggestions
}

// GetPrompt returns the prompt content for the given name.
func (p *Prompts) GetPrompt(name string) string {
	switch name {
	case "extract":
		return p.Extract
	case "decompose":
		return p.Decompose
	case "generate":
		return p.Generate
	case "narrative":
		return p.Narrative
	case "followup":
		return p.FollowUp
	default:
		return ""
	}
}

func loadPrompt(name string) (string, error) {
	data, err := promptsFS.ReadFile("prompts/" + name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Extract, err = loadPrompt("EXTRACT.md"); err != nil {
		return nil, fmt.Errorf("failed to load EXTRACT: %w", err)
	}
	if p.Decompose, err = loadPrompt("DECOMPOSE.md"); err != nil {
		return nil, fmt.Errorf("failed to load DECOMPOSE: %w", err)
	}
	if p.Generate, err = loadPrompt("GENERATE.md"); err != nil {
		return nil, fmt.Errorf("failed to load GENERATE: %w", err)
	}
	if p.Narrative, err = loadPrompt("NARRATIVE.md"); err != nil {
		return nil, fmt.Errorf("failed to load NARRATIVE: %w", err)
	}
	if p.FollowUp, err = loadPrompt("FOLLOWUP.md"); err != nil {
		return nil, fmt.Errorf("failed to load FOLLOWUP: %w", err)
	}
	return p, nil
}

// buildGeneratePrompt combines the static generation prompt with the live
// datastore schema.
func buildGeneratePrompt(staticPrompt, schema string) string {
	return staticPrompt + "\n\n## Datastore Schema\n\n```\n" + schema + "\n```"
}
