package agent

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// promptFiles embeds the four fixed role system prompts, one template
// file per role.
//
//go:embed templates/*.md
var promptFiles embed.FS

var roleTemplate = map[Role]string{
	RoleArchitect:    "templates/architect.md",
	RoleSecurity:     "templates/security.md",
	RoleTester:       "templates/tester.md",
	RoleProductOwner: "templates/product_owner.md",
}

// PromptData is the set of values a role template may interpolate.
type PromptData struct {
	IssueNumber int
	IssueTitle  string
	IssueBody   string
	Revision    int
	MaxRevisions int
	// PriorFeedback is the Product Owner's most recent REVISE feedback,
	// non-empty only on revision passes.
	PriorFeedback string
}

var titleCaser = cases.Title(language.English)

var templateFuncs = template.FuncMap{
	"titleCase": func(s string) string { return titleCaser.String(s) },
}

// RenderSystemPrompt renders the fixed system prompt for role. Prompts
// are compiled in; they are never user-suppliable.
func RenderSystemPrompt(role Role, data PromptData) (string, error) {
	path, ok := roleTemplate[role]
	if !ok {
		return "", fmt.Errorf("no prompt template registered for role %q", role)
	}
	raw, err := promptFiles.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading prompt template for role %q: %w", role, err)
	}
	tmpl, err := template.New(path).Funcs(templateFuncs).Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("parsing prompt template for role %q: %w", role, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering prompt template for role %q: %w", role, err)
	}
	return buf.String(), nil
}
