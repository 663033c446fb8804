package synthesis

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vulnforge/vulnforge/pkg/requirement"
)

// materialize wipes the bundle's workspace directory and writes every
// manifest file to disk, decoding base64-encoded entries, matching the
// original's _materialize.
func (e *Engine) materialize(m requirement.Manifest) ([]string, error) {
	if err := os.RemoveAll(e.workspaceDir); err != nil {
		return nil, fmt.Errorf("synthesis: clear workspace: %w", err)
	}
	if err := os.MkdirAll(e.workspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("synthesis: create workspace: %w", err)
	}

	written := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		if f.Path == "" || filepath.IsAbs(f.Path) {
			continue
		}
		dest := filepath.Join(e.workspaceDir, f.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return written, fmt.Errorf("synthesis: create dir for %s: %w", f.Path, err)
		}
		content := []byte(f.Content)
		if f.ResolvedEncoding() == requirement.EncodingBase64 {
			decoded, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				slog.Warn("synthesis: base64 decode failed, writing raw content", "path", f.Path, "error", err)
			} else {
				content = decoded
			}
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return written, fmt.Errorf("synthesis: write %s: %w", f.Path, err)
		}
		written = append(written, f.Path)
	}
	return written, nil
}
