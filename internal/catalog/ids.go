package catalog

import (
	"fmt"
	"strings"
)

// Separator joins server and tool names into a stable public identifier.
// It is forbidden inside either component.
const Separator = "::"

// MakeToolID builds the "<server>::<name>" identifier.
func MakeToolID(server, name string) (string, error) {
	if server == "" || name == "" {
		return "", fmt.Errorf("tool id components must be non-empty")
	}
	if strings.Contains(server, Separator) || strings.Contains(name, Separator) {
		return "", fmt.Errorf("tool id components must not contain %q", Separator)
	}
	return server + Separator + name, nil
}

// ParseToolID splits a public tool identifier into server and tool name.
func ParseToolID(toolID string) (server, name string, err error) {
	idx := strings.Index(toolID, Separator)
	if idx <= 0 || idx+len(Separator) >= len(toolID) {
		return "", "", fmt.Errorf("malformed tool id %q", toolID)
	}
	return toolID[:idx], toolID[idx+len(Separator):], nil
}
