package command

import (
	"regexp"
	"slices"
	"strings"
)

// Kind distinguishes wrapper nodes from leaf commands.
type Kind int

const (
	// KindLeaf is a plain command with arguments.
	KindLeaf Kind = iota
	// KindWrapper runs exactly one nested command (ssh, sudo, docker exec, ...).
	KindWrapper
)

// Class is the coarse category of a leaf command.
type Class string

const (
	ClassGeneric Class = "generic"
	ClassVCS     Class = "vcs"
	ClassFile    Class = "file"
	ClassWrapper Class = "wrapper"
)

// Param is a named positional parameter consumed by a wrapper.
type Param struct {
	Key   string
	Value string
}

// Node is one parsed chain segment.
type Node struct {
	// Kind selects between leaf and wrapper.
	Kind Kind
	// Class is the leaf category, or ClassWrapper.
	Class Class
	// Name is the command (or wrapper) token.
	Name string
	// Args are the leaf arguments.
	Args []string
	// Params are the wrapper parameters in registry order.
	Params []Param
	// Nested is the wrapped command; set only for wrappers.
	Nested *Node
	// Compound marks a wrapper whose body holds several chained commands.
	// Only the first of them is parsed into Nested.
	Compound bool
	// Text is the segment source with surrounding whitespace trimmed.
	Text string
}

// WrapperSpec declares how many positional parameters a wrapper consumes.
type WrapperSpec struct {
	// Params names the positional parameters in order.
	Params []string
	// Subcommands restricts wrapper behaviour to these first parameters.
	Subcommands []string
}

var wrappers = map[string]WrapperSpec{
	"ssh":       {Params: []string{"host"}},
	"docker":    {Params: []string{"action", "container"}, Subcommands: []string{"exec", "run"}},
	"kubectl":   {Params: []string{"action", "pod"}, Subcommands: []string{"exec"}},
	"sudo":      {},
	"nix-shell": {},
	"env":       {},
	"screen":    {Params: []string{"session"}},
	"tmux":      {Params: []string{"session"}},
	"timeout":   {Params: []string{"seconds"}},
}

var vcsCommands = map[string]struct{}{
	"git": {},
	"hg":  {},
	"svn": {},
}

var fileCommands = map[string]struct{}{
	"rm":    {},
	"cp":    {},
	"mv":    {},
	"ls":    {},
	"cat":   {},
	"head":  {},
	"tail":  {},
	"sed":   {},
	"awk":   {},
	"grep":  {},
	"chmod": {},
	"chown": {},
	"mkdir": {},
	"rmdir": {},
	"touch": {},
}

var envAssignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\+?=`)

// maxDepth bounds wrapper recursion for pathological inputs.
const maxDepth = 16

// SplitChain splits a command line on &&, ||, ;, |, a lone & and newlines
// outside quotes. Redirections such as 2>&1 and &>file stay intact. Empty
// segments are dropped.
func SplitChain(cmd string) []string {
	var (
		segments []string
		current  strings.Builder
		inSingle bool
		inDouble bool
	)
	flush := func() {
		if segment := strings.TrimSpace(current.String()); segment != "" {
			segments = append(segments, segment)
		}
		current.Reset()
	}

	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]
		switch {
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteByte(ch)
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteByte(ch)
		case inSingle || inDouble:
			current.WriteByte(ch)
		case i+1 < len(cmd) && (cmd[i:i+2] == "&&" || cmd[i:i+2] == "||"):
			flush()
			i++
		case ch == ';' || ch == '|' || ch == '\n':
			flush()
		case ch == '&' && !isRedirect(cmd, i):
			flush()
		default:
			current.WriteByte(ch)
		}
	}
	flush()
	return segments
}

// isRedirect reports whether the & at i belongs to a redirection (>&, &>).
func isRedirect(cmd string, i int) bool {
	return (i > 0 && (cmd[i-1] == '>' || cmd[i-1] == '<')) || (i+1 < len(cmd) && cmd[i+1] == '>')
}

// Parse splits cmd into segments and parses each of them.
func Parse(cmd string) []*Node {
	segments := SplitChain(cmd)
	nodes := make([]*Node, 0, len(segments))
	for _, segment := range segments {
		nodes = append(nodes, ParseSegment(segment))
	}
	return nodes
}

// ParseSegment parses one chain segment into a node tree. It never fails:
// malformed input degrades to a generic leaf.
func ParseSegment(segment string) *Node {
	return parseSegment(strings.TrimSpace(segment), 0)
}

func parseSegment(text string, depth int) *Node {
	if text == "" || strings.HasPrefix(text, "#") {
		return &Node{Kind: KindLeaf, Class: ClassGeneric, Text: text}
	}

	tokens := skipAssignments(tokenize(text))
	if len(tokens) == 0 {
		return &Node{Kind: KindLeaf, Class: ClassGeneric, Text: text}
	}

	if depth < maxDepth {
		if node := parseWrapper(text, tokens, depth); node != nil {
			return node
		}
	}

	name := tokens[0]
	return &Node{
		Kind:  KindLeaf,
		Class: classify(name),
		Name:  name,
		Args:  tokens[1:],
		Text:  text,
	}
}

func parseWrapper(text string, tokens []string, depth int) *Node {
	spec, ok := wrappers[tokens[0]]
	if !ok {
		return nil
	}
	if len(spec.Subcommands) > 0 && (len(tokens) < 2 || !slices.Contains(spec.Subcommands, tokens[1])) {
		return nil
	}
	// A wrapper owns exactly one child, so it needs at least one token after its params.
	if len(tokens) <= len(spec.Params)+1 {
		return nil
	}

	params := make([]Param, 0, len(spec.Params))
	for i, key := range spec.Params {
		params = append(params, Param{Key: key, Value: tokens[i+1]})
	}

	inner := unquote(strings.Join(tokens[len(spec.Params)+1:], " "))
	parts := SplitChain(inner)
	if len(parts) == 0 {
		return nil
	}

	return &Node{
		Kind:     KindWrapper,
		Class:    ClassWrapper,
		Name:     tokens[0],
		Params:   params,
		Nested:   parseSegment(parts[0], depth+1),
		Compound: len(parts) > 1,
		Text:     text,
	}
}

// tokenize splits on whitespace outside quotes. Quote characters stay in the
// tokens; an unbalanced quote swallows the rest of the input into one token.
func tokenize(text string) []string {
	var (
		tokens   []string
		current  strings.Builder
		inSingle bool
		inDouble bool
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteByte(ch)
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteByte(ch)
		case isSpace(ch) && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func skipAssignments(tokens []string) []string {
	idx := 0
	for idx < len(tokens) && envAssignment.MatchString(tokens[idx]) {
		idx++
	}
	return tokens[idx:]
}

func unquote(text string) string {
	if len(text) >= 2 {
		first, last := text[0], text[len(text)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return text[1 : len(text)-1]
		}
	}
	return text
}

func classify(name string) Class {
	if _, ok := vcsCommands[name]; ok {
		return ClassVCS
	}
	if _, ok := fileCommands[name]; ok {
		return ClassFile
	}
	return ClassGeneric
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\v' || ch == '\f'
}
