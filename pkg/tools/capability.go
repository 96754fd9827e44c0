package tools

import (
	"sort"
	"strings"

	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

// tagKeywords are the description words promoted to capability tags.
var tagKeywords = []string{
	"agent", "analyze", "config", "create", "delete", "file", "get",
	"list", "memory", "monitor", "query", "search", "set", "spawn",
	"status", "swarm", "system", "task", "update", "workflow",
}

// SplitName splits "namespace/name" into its parts.
func SplitName(name string) (namespace, local string, ok bool) {
	namespace, local, ok = strings.Cut(name, "/")
	if !ok || namespace == "" || local == "" || strings.Contains(local, "/") {
		return "", "", false
	}
	return namespace, local, true
}

// inferCapability derives the default capability of a tool.
func inferCapability(tool *Tool, versions []protocol.Version) *Capability {
	namespace, _, _ := SplitName(tool.Name)
	return &Capability{
		Name:              tool.Name,
		Version:           "1.0.0",
		Description:       tool.Description,
		Category:          namespace,
		Tags:              extractTags(tool.Description),
		SupportedVersions: append([]protocol.Version(nil), versions...),
	}
}

// mergeCapability fills the blanks of an explicit capability with inferred
// values.
func mergeCapability(explicit, inferred *Capability) *Capability {
	c := *explicit
	c.Name = inferred.Name
	if c.Version == "" {
		c.Version = inferred.Version
	}
	if c.Description == "" {
		c.Description = inferred.Description
	}
	if c.Category == "" {
		c.Category = inferred.Category
	}
	if c.Tags == nil {
		c.Tags = inferred.Tags
	}
	if len(c.SupportedVersions) == 0 {
		c.SupportedVersions = inferred.SupportedVersions
	}
	c.RequiredPermissions = append([]string(nil), c.RequiredPermissions...)
	return &c
}

func extractTags(description string) []string {
	words := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[w] = true
	}

	tags := []string{}
	for _, kw := range tagKeywords {
		if seen[kw] || seen[kw+"s"] {
			tags = append(tags, kw)
		}
	}
	sort.Strings(tags)
	return tags
}

// supportsVersion reports whether a caller speaking v may use a tool that
// declares the given versions. The major must match and the caller's minor
// must not exceed the declared one.
func supportsVersion(declared []protocol.Version, v protocol.Version) bool {
	if len(declared) == 0 || v.IsZero() {
		return true
	}
	for _, d := range declared {
		if d.Major == v.Major && v.Minor <= d.Minor {
			return true
		}
	}
	return false
}

func (c *Capability) clone() *Capability {
	if c == nil {
		return nil
	}
	out := *c
	out.Tags = append([]string(nil), c.Tags...)
	out.RequiredPermissions = append([]string(nil), c.RequiredPermissions...)
	out.SupportedVersions = append([]protocol.Version(nil), c.SupportedVersions...)
	return &out
}
