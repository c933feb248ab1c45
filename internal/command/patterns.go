package command

import (
	"encoding/json"
	"strings"
)

// Generate returns rule patterns for node, most specific first, without duplicates.
func Generate(node *Node) []string {
	if node == nil {
		return nil
	}
	var out []string
	if node.Kind == KindWrapper {
		prefix := node.prefix()
		out = append(out, node.Text)
		if !node.Compound && node.Nested != nil {
			if tool := node.Nested.tool(); tool != "" {
				out = append(out, prefix+" "+tool+" *")
			}
		}
		out = append(out, prefix+" *")
		if !node.Compound {
			out = append(out, Generate(node.Nested)...)
		}
		return dedupe(out)
	}

	if node.Text != "" {
		out = append(out, node.Text)
	}
	if node.Name != "" {
		out = append(out, node.Name+" *")
	}
	return dedupe(out)
}

// Subjects returns the command texts a rule may govern for node: the segment
// itself and, for non-compound wrappers, every nested command down the tree.
func Subjects(node *Node) []string {
	var out []string
	for current := node; current != nil; current = current.Nested {
		if current.Text != "" {
			out = append(out, current.Text)
		}
		if current.Kind != KindWrapper || current.Compound {
			break
		}
	}
	return dedupe(out)
}

// ToolPatterns returns candidate rule patterns for a tool call, most specific
// first. Bash chains are patterned per segment and never collapse into one rule.
func ToolPatterns(toolName, toolInput, projectPath string) []string {
	fallback := []string{toolName + "(*)"}
	if strings.TrimSpace(toolInput) == "" {
		return fallback
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(toolInput), &data); err != nil {
		return fallback
	}

	switch toolName {
	case "Bash":
		cmd, ok := data["command"].(string)
		if !ok {
			return fallback
		}
		cmd = strings.TrimSpace(cmd)
		var out []string
		for _, node := range Parse(cmd) {
			for _, pattern := range Generate(node) {
				if pattern != "" {
					out = append(out, "Bash("+pattern+")")
				}
			}
		}
		if len(out) == 0 && cmd != "" {
			out = append(out, "Bash("+cmd+")")
		}
		return dedupe(append(out, "Bash(*)"))
	case "Edit", "Write":
		path, ok := data["file_path"].(string)
		if !ok {
			return fallback
		}
		return dedupe(filePatterns(toolName, path, projectPath, true))
	case "Read":
		path, ok := data["file_path"].(string)
		if !ok {
			return fallback
		}
		return dedupe(filePatterns(toolName, path, projectPath, false))
	default:
		return fallback
	}
}

func filePatterns(tool, path, projectPath string, withExt bool) []string {
	wrap := func(p string) string { return tool + "(" + p + ")" }
	out := []string{wrap(path)}

	ext := ""
	base := path[strings.LastIndex(path, "/")+1:]
	if idx := strings.LastIndex(base, "."); idx >= 0 {
		ext = base[idx+1:]
	}
	if withExt && ext != "" {
		out = append(out, wrap("*."+ext))
	}

	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		dir := path[:idx]
		short := dir
		if i := strings.LastIndex(dir, "/"); i >= 0 && dir[i+1:] != "" {
			short = dir[i+1:]
		}
		if short != "" {
			out = append(out, wrap("*/"+short+"/*"))
			if withExt && !strings.HasPrefix(path, "/") {
				out = append(out, wrap(short+"/*"))
			}
		}
	}

	if projectPath != "" && strings.HasPrefix(path, projectPath) {
		trimmed := strings.TrimRight(projectPath, "/")
		name := trimmed[strings.LastIndex(trimmed, "/")+1:]
		if name != "" {
			if withExt && ext != "" {
				out = append(out, wrap("*/"+name+"/*."+ext))
			}
			out = append(out, wrap("*/"+name+"/*"))
		}
	}

	return append(out, wrap("*"))
}

// prefix is the wrapper name followed by its parameter values.
func (n *Node) prefix() string {
	parts := make([]string, 0, len(n.Params)+1)
	parts = append(parts, n.Name)
	for _, p := range n.Params {
		parts = append(parts, p.Value)
	}
	return strings.Join(parts, " ")
}

// tool names the effective command of n, including any wrapper chain in front of it.
func (n *Node) tool() string {
	if n.Kind == KindWrapper {
		if n.Nested == nil || n.Compound {
			return n.prefix()
		}
		if inner := n.Nested.tool(); inner != "" {
			return n.prefix() + " " + inner
		}
		return n.prefix()
	}
	return n.Name
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return items
	}
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
