package broker

import (
	"embed"
	"fmt"
	"io/fs"
	"os"

	"github.com/jkaninda/mcpforge/internal/sandbox"
)

//go:embed templates/*
var builtinTemplates embed.FS

// TemplateLanguages are the languages create-server-from-template accepts.
var TemplateLanguages = []sandbox.Language{sandbox.TypeScript, sandbox.Python}

// Templates serves starter server sources by language.
type Templates struct {
	fsys fs.FS
}

// NewTemplates returns the built-in templates, or those under dir when it
// is non-empty. A file missing from dir falls back to the built-in one.
func NewTemplates(dir string) *Templates {
	if dir == "" {
		return &Templates{}
	}
	return &Templates{fsys: os.DirFS(dir)}
}

// Source returns the template for lang.
func (t *Templates) Source(lang sandbox.Language) (string, error) {
	name, ok := templateFile(lang)
	if !ok {
		return "", fmt.Errorf("%w: no template for %s", sandbox.ErrUnsupportedLanguage, lang)
	}
	if t.fsys != nil {
		if data, err := fs.ReadFile(t.fsys, name); err == nil {
			return string(data), nil
		}
	}
	data, err := builtinTemplates.ReadFile("templates/" + name)
	if err != nil {
		return "", fmt.Errorf("reading template %s: %w", name, err)
	}
	return string(data), nil
}

func templateFile(lang sandbox.Language) (string, bool) {
	switch lang {
	case sandbox.TypeScript:
		return "typescript.ts", true
	case sandbox.Python:
		return "python.py", true
	}
	return "", false
}
