package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// templates. Uses {{.VAR_NAME}} syntax so literal $ characters in the
// file are left untouched.
//
// That matters for values this config commonly carries:
//   - auth tokens and passwords containing $
//   - label selectors and shell fragments inside build payload samples
//
// Examples:
//   - {{.STEWARD_AUTH_TOKEN}} → value of STEWARD_AUTH_TOKEN
//   - {{.DB_HOST}}:{{.DB_PORT}} → hostname:port with both expanded
//
// Missing variables expand to the empty string (unless the template is
// malformed). Validation catches required fields left empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("steward").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// Malformed template syntax: pass the original through and let
		// the YAML parser produce the error message.
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok && key != "" {
			envMap[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}

	return buf.Bytes()
}
