package agent

import "os"

// writeFile writes data to path with the repo's standard 0o644
// permissions, mirroring store.WriteJSON's non-atomic sibling for
// non-JSON artefacts (YAML rule files, PoC excerpts).
func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
