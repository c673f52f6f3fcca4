// Package prompt holds the embedded prompt templates sent to the vision and
// reasoning backends, with Mustache-style variable substitution.
package prompt

import (
	_ "embed"
	"fmt"
	"regexp"
)

//go:embed scene_analysis.md
var sceneAnalysis string

//go:embed select_strategy.md
var selectStrategy string

//go:embed recommend_recovery.md
var recommendRecovery string

// promptMap maps template names to their embedded content.
var promptMap = map[string]string{
	"scene_analysis":     sceneAnalysis,
	"select_strategy":    selectStrategy,
	"recommend_recovery": recommendRecovery,
}

// Get returns the raw template for the given name.
func Get(name string) (string, error) {
	p, ok := promptMap[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt template: %s", name)
	}
	return p, nil
}

// variablePattern matches Mustache-style {{variable}} placeholders.
var variablePattern = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)

// Render substitutes {{variable}} placeholders in the template with values
// from the provided map. Unknown variables are left as-is in the output.
func Render(template string, variables map[string]string) string {
	if len(variables) == 0 {
		return template
	}

	return variablePattern.ReplaceAllStringFunc(template, func(match string) string {
		submatches := variablePattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}
		if value, ok := variables[submatches[1]]; ok {
			return value
		}
		return match
	})
}

// MustRender looks up a template by name and renders it. It panics on an
// unknown template name, which can only happen from a programming error.
func MustRender(name string, variables map[string]string) string {
	p, err := Get(name)
	if err != nil {
		panic(err)
	}
	return Render(p, variables)
}
