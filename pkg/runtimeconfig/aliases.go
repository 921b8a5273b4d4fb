package runtimeconfig

// DefaultAliases maps short model names to provider model ids
var DefaultAliases = map[string]string{
	"opus":   "claude-opus-4",
	"sonnet": "claude-sonnet-4",
	"haiku":  "claude-3-5-haiku-latest",
	"gpt4":   "gpt-4-turbo",
	"gpt4o":  "gpt-4o",
}

// ResolveModel maps an alias to a model id. aliases take precedence over
// DefaultAliases; unknown names are returned unchanged.
func ResolveModel(name string, aliases map[string]string) string {
	if id, ok := aliases[name]; ok {
		return id
	}
	if id, ok := DefaultAliases[name]; ok {
		return id
	}
	return name
}
