package sandbox

import (
	"fmt"
	"strings"
)

// Language selects the build and launch strategy for a server.
type Language string

const (
	// TypeScript is compiled with tsc and run by node.
	TypeScript Language = "typescript"
	// JavaScript runs directly under node.
	JavaScript Language = "javascript"
	// Python runs under the python3 interpreter.
	Python Language = "python"
)

// Languages lists every supported language.
var Languages = []Language{TypeScript, JavaScript, Python}

// ParseLanguage validates a language name.
func ParseLanguage(s string) (Language, error) {
	switch l := Language(strings.ToLower(strings.TrimSpace(s))); l {
	case TypeScript, JavaScript, Python:
		return l, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, s)
}

// SourceFile is the conventional file name the code is written to.
func (l Language) SourceFile() string {
	switch l {
	case TypeScript:
		return "index.ts"
	case Python:
		return "server.py"
	default:
		return "index.js"
	}
}

// NodeFamily reports whether the language shares the npm ecosystem.
func (l Language) NodeFamily() bool {
	return l == TypeScript || l == JavaScript
}

// Compiled reports whether a compile step precedes launch.
func (l Language) Compiled() bool {
	return l == TypeScript
}

func (l Language) String() string { return string(l) }
