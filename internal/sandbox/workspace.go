package sandbox

import (
	"path"
	"path/filepath"
	"strings"
)

// WorkspaceRoot is the only writable mount inside the container.
const WorkspaceRoot = "/workspace"

// resolveWorkspacePath validates a container-namespace path against the
// workspace root and maps it to a path on the host. Traversal sequences
// are rejected outright, then the cleaned path is re-checked, so a path
// that textually resolves back inside the root still fails.
func resolveWorkspacePath(hostWorkspace, containerPath string) (string, bool) {
	if containerPath == "" {
		return "", false
	}
	// Relative paths are taken relative to the workspace root.
	if !path.IsAbs(containerPath) {
		containerPath = path.Join(WorkspaceRoot, containerPath)
	}
	for _, part := range strings.Split(containerPath, "/") {
		if part == ".." {
			return "", false
		}
	}
	cleaned := path.Clean(containerPath)
	if cleaned != WorkspaceRoot && !strings.HasPrefix(cleaned, WorkspaceRoot+"/") {
		return "", false
	}

	rel := strings.TrimPrefix(cleaned, WorkspaceRoot)
	rel = strings.TrimPrefix(rel, "/")
	host := filepath.Join(hostWorkspace, filepath.FromSlash(rel))

	// Re-check on the host side after joining.
	hostRel, err := filepath.Rel(hostWorkspace, host)
	if err != nil || hostRel == ".." || strings.HasPrefix(hostRel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return host, true
}
