package requirement

import (
	"encoding/json"
	"fmt"
)

// Encoding discriminates how a FileEntry's content is stored. Unknown
// encodings are a validation violation, never a panic.
type Encoding string

// File content encodings.
const (
	EncodingPlain  Encoding = "plain"
	EncodingBase64 Encoding = "base64"
)

// FileEntry is one file within a Manifest.
type FileEntry struct {
	Path     string   `json:"path"`
	Content  string   `json:"content"`
	Encoding Encoding `json:"encoding,omitempty"`
}

// ResolvedEncoding returns the entry's encoding, defaulting to plain.
func (f FileEntry) ResolvedEncoding() Encoding {
	if f.Encoding == "" {
		return EncodingPlain
	}
	return f.Encoding
}

// Valid reports whether the entry's encoding discriminator is recognized.
func (f FileEntry) Valid() bool {
	switch f.ResolvedEncoding() {
	case EncodingPlain, EncodingBase64:
		return true
	default:
		return false
	}
}

// Build describes how a manifest's workspace is built into a container.
type Build struct {
	Command string `json:"command"`
}

// Run describes how the built container is started.
type Run struct {
	Command string `json:"command"`
	Port    int    `json:"port"`
}

// PoC describes the proof-of-exploit shipped alongside the generated app.
type PoC struct {
	Cmd              string `json:"cmd"`
	SuccessSignature string `json:"success_signature"`
	FlagToken        string `json:"flag_token,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

// Manifest is the Synthesis Engine's structured output: a candidate
// application plus its proof-of-exploit.
type Manifest struct {
	Intent      string         `json:"intent"`
	PatternTags []string       `json:"pattern_tags,omitempty"`
	Files       []FileEntry    `json:"files"`
	Deps        []string       `json:"deps,omitempty"`
	Build       Build          `json:"build"`
	Run         Run            `json:"run"`
	PoC         PoC            `json:"poc"`
	Notes       string         `json:"notes,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// knownManifestFields enumerates the top-level fields the schema accepts.
// Unknown fields are rejected at the parse boundary rather than deep in
// the materialiser.
var knownManifestFields = map[string]bool{
	"intent": true, "pattern_tags": true, "files": true, "deps": true,
	"build": true, "run": true, "poc": true, "notes": true, "metadata": true,
}

// ParseManifestStrict decodes raw JSON into a Manifest, rejecting any
// top-level field not in the schema.
func ParseManifestStrict(raw []byte) (Manifest, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Manifest{}, fmt.Errorf("requirement: invalid manifest JSON: %w", err)
	}
	for field := range generic {
		if !knownManifestFields[field] {
			return Manifest{}, fmt.Errorf("requirement: unknown manifest field %q", field)
		}
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("requirement: invalid manifest shape: %w", err)
	}
	return m, nil
}

// FindFile returns the first file entry matching path (case-sensitive),
// or ok=false if absent.
func (m Manifest) FindFile(path string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileEntry{}, false
}
