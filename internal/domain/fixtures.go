package domain

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// ShowFixture resolves a path_ref against the workspace fixture map and
// returns the file text. The second return value is a user-facing error
// string; exactly one of the two is non-empty.
func ShowFixture(workspace Workspace, pathRef string) (string, string) {
	key := strings.TrimSpace(pathRef)
	target, ok := workspace.FixturePaths[key]
	if !ok {
		refs := make([]string, 0, len(workspace.FixturePaths))
		for ref := range workspace.FixturePaths {
			refs = append(refs, ref)
		}
		sort.Strings(refs)
		quoted := make([]string, len(refs))
		for i, ref := range refs {
			quoted[i] = fmt.Sprintf("'%s'", ref)
		}
		return "", fmt.Sprintf("Unknown path_ref: '%s'. Allowed: [%s]", pathRef, strings.Join(quoted, ", "))
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Sprintf("Missing fixture file: %s", target)
		}
		return "", fmt.Sprintf("Failed reading fixture file %s: %v", target, err)
	}
	return string(data), ""
}
