package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in config or seed content
// using Go templates. Uses {{.VAR_NAME}} syntax to avoid collision with
// $ in regex patterns, passwords, and the ${stepId.field} workflow
// interpolation syntax stored inside seed breadcrumbs.
//
// Examples:
//   - {{.OPENROUTER_API_KEY}} → value of that environment variable
//   - {{.DB_HOST}}:{{.DB_PORT}} → hostname:port with both expanded
//   - "${trigger.text}" → preserved literally ($ not touched)
//
// Missing variables expand to empty string. Malformed templates pass
// the original data through so the downstream parser reports the error.
func ExpandEnv(data []byte) []byte {
	return ExpandWith(data, nil)
}

// ExpandWith expands like ExpandEnv with caller-injected values layered
// over the environment. Bootstrap uses it to hand seeds the normalized
// workspace tag and per-run identifiers without mutating the process
// environment.
func ExpandWith(data []byte, extra map[string]string) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Values may themselves contain '='.
		if k, v, ok := strings.Cut(env, "="); ok && k != "" {
			envMap[k] = v
		}
	}
	for k, v := range extra {
		envMap[k] = v
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}

	return buf.Bytes()
}
