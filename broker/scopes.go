package broker

import "strings"

// defaultConsentScopes are shown on the consent screen when the client did
// not request any scope.
const defaultConsentScopes = "openid email profile mcp:tools"

var scopeDescriptions = map[string]string{
	"openid":           "Access your basic profile",
	"email":            "Access your email address",
	"profile":          "Access your profile information",
	"mcp:tools":        "Access MCP tools and resources",
	"mcp-server/tools": "Access MCP server tools",
}

// ScopeDescription is one requested scope and its human readable meaning.
type ScopeDescription struct {
	Scope       string
	Description string
}

// DescribeScopes splits a space-delimited scope string and attaches a
// description to each entry. Unknown scopes are described by their name.
func DescribeScopes(scope string) []ScopeDescription {
	if strings.TrimSpace(scope) == "" {
		scope = defaultConsentScopes
	}
	fields := strings.Fields(scope)
	out := make([]ScopeDescription, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, s := range fields {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		desc, ok := scopeDescriptions[s]
		if !ok {
			desc = s
		}
		out = append(out, ScopeDescription{Scope: s, Description: desc})
	}
	return out
}
