// Package sid derives the deterministic Scenario ID used to address every
// artefact produced for a requirement.
package sid

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Prefix is prepended to every derived SID.
const Prefix = "sid-"

// hexLen is the number of hex characters kept from the SHA-256 digest.
const hexLen = 12

// sentinel is substituted for any reproducibility component left unset, so
// that omitted and literal-sentinel values collide by design.
const sentinel = "unset"

// fields lists the reproducibility components in the fixed order they must
// be serialized in. Changing this order changes every SID ever derived.
var fields = []string{
	"model_version",
	"prompt_hash",
	"seed",
	"retriever_commit",
	"corpus_snapshot",
	"pattern_id",
	"deps_digest",
	"base_image_digest",
}

// ErrNoVulnID is returned when a multi-vuln derivation is requested with an
// empty vuln id set; SID derivation otherwise never fails.
var ErrNoVulnID = errors.New("sid: at least one vuln id is required for multi-vuln derivation")

// Components holds the reproducibility inputs consumed by Derive. Every
// field is optional; unset fields default to the sentinel value.
type Components struct {
	ModelVersion     string
	PromptHash       string
	Seed             string
	RetrieverCommit  string
	CorpusSnapshot   string
	PatternID        string
	DepsDigest       string
	BaseImageDigest  string
	VulnIDs          []string // optional; when non-empty, folded into the digest
}

func (c Components) asMap() map[string]string {
	return map[string]string{
		"model_version":      c.ModelVersion,
		"prompt_hash":        c.PromptHash,
		"seed":               c.Seed,
		"retriever_commit":   c.RetrieverCommit,
		"corpus_snapshot":    c.CorpusSnapshot,
		"pattern_id":         c.PatternID,
		"deps_digest":        c.DepsDigest,
		"base_image_digest":  c.BaseImageDigest,
	}
}

// VulnIDsDigest returns the SHA-256 hex digest over the sorted, newline
// joined vuln id set. Returns an error if ids is empty.
func VulnIDsDigest(ids []string) (string, error) {
	if len(ids) == 0 {
		return "", ErrNoVulnID
	}
	return SortedDigest(ids), nil
}

// SortedDigest returns the SHA-256 hex digest over values sorted and joined
// by newlines, or "" for an empty slice. Used for the deps_digest component
// and as the building block of VulnIDsDigest.
func SortedDigest(values []string) string {
	if len(values) == 0 {
		return ""
	}
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// Derive computes the SID for the given reproducibility components.
// Identical components (after sentinel defaulting) always yield an
// identical SID; this is the system's core reproducibility guarantee.
func Derive(c Components) (string, error) {
	values := c.asMap()
	payload := make(map[string]string, len(fields)+1)
	for _, f := range fields {
		v := values[f]
		if v == "" {
			v = sentinel
		}
		payload[f] = v
	}

	if len(c.VulnIDs) > 0 {
		digest, err := VulnIDsDigest(c.VulnIDs)
		if err != nil {
			return "", err
		}
		payload["vuln_ids_digest"] = digest
	}

	serialized, err := marshalSorted(payload)
	if err != nil {
		return "", fmt.Errorf("sid: serialize components: %w", err)
	}

	sum := sha256.Sum256(serialized)
	return Prefix + hex.EncodeToString(sum[:])[:hexLen], nil
}

// marshalSorted serializes a string map as compact JSON with keys in sorted
// order, matching the original implementation's
// json.dumps(payload, sort_keys=True, separators=(",", ":")) behaviour.
func marshalSorted(payload map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(payload[k])
		if err != nil {
			return nil, err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
