package command

import (
	"reflect"
	"testing"
)

func TestSplitChain(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"cd ~/p && npm test && git log", []string{"cd ~/p", "npm test", "git log"}},
		{"ls -la", []string{"ls -la"}},
		{"a || b; c | d", []string{"a", "b", "c", "d"}},
		{`echo "a && b" && ls`, []string{`echo "a && b"`, "ls"}},
		{`echo 'x | y'; pwd`, []string{`echo 'x | y'`, "pwd"}},
		{"a &&  && b ;", []string{"a", "b"}},
		{"git status\nrm -rf ~", []string{"git status", "rm -rf ~"}},
		{"sleep 5 & curl x", []string{"sleep 5", "curl x"}},
		{"make 2>&1 | tee log", []string{"make 2>&1", "tee log"}},
		{"run &> out.log", []string{"run &> out.log"}},
		{"echo \"a\nb\" && ls", []string{"echo \"a\nb\"", "ls"}},
		{"", nil},
	}
	for _, tc := range cases {
		got := SplitChain(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("SplitChain(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestParseSegmentWrapper(t *testing.T) {
	node := ParseSegment("ssh aarni git log")
	if node.Kind != KindWrapper || node.Name != "ssh" {
		t.Fatalf("expected ssh wrapper, got %+v", node)
	}
	if len(node.Params) != 1 || node.Params[0] != (Param{Key: "host", Value: "aarni"}) {
		t.Fatalf("unexpected params: %+v", node.Params)
	}
	if node.Nested == nil || node.Nested.Name != "git" || node.Nested.Class != ClassVCS {
		t.Fatalf("unexpected nested node: %+v", node.Nested)
	}
	if !reflect.DeepEqual(node.Nested.Args, []string{"log"}) {
		t.Fatalf("unexpected nested args: %#v", node.Nested.Args)
	}
}

func TestParseSegmentNestedWrappers(t *testing.T) {
	node := ParseSegment(`ssh box "sudo docker exec web rm -rf /tmp/x"`)
	if node.Kind != KindWrapper || node.Compound {
		t.Fatalf("unexpected root: %+v", node)
	}
	sudo := node.Nested
	if sudo == nil || sudo.Name != "sudo" || sudo.Kind != KindWrapper {
		t.Fatalf("expected sudo wrapper, got %+v", sudo)
	}
	docker := sudo.Nested
	if docker == nil || docker.Name != "docker" || len(docker.Params) != 2 {
		t.Fatalf("expected docker exec wrapper, got %+v", docker)
	}
	leaf := docker.Nested
	if leaf == nil || leaf.Name != "rm" || leaf.Class != ClassFile {
		t.Fatalf("expected rm leaf, got %+v", leaf)
	}
}

func TestParseSegmentWrapperWithoutCommand(t *testing.T) {
	for _, in := range []string{"ssh aarni", "sudo", "docker ps", "kubectl get pods", "timeout 5"} {
		node := ParseSegment(in)
		if node.Kind != KindLeaf {
			t.Fatalf("%q: expected leaf, got %+v", in, node)
		}
	}
}

func TestParseSegmentEnvPrefixAndComment(t *testing.T) {
	node := ParseSegment("FOO=1 PATH+=/x go test ./...")
	if node.Kind != KindLeaf || node.Name != "go" {
		t.Fatalf("unexpected node: %+v", node)
	}
	if node.Text != "FOO=1 PATH+=/x go test ./..." {
		t.Fatalf("text must keep the original segment, got %q", node.Text)
	}

	comment := ParseSegment("# just a note")
	if comment.Kind != KindLeaf || comment.Name != "" || comment.Class != ClassGeneric {
		t.Fatalf("unexpected comment node: %+v", comment)
	}
}

func TestParseSegmentUnbalancedQuote(t *testing.T) {
	node := ParseSegment(`echo "unterminated and more`)
	if node.Name != "echo" {
		t.Fatalf("unexpected node: %+v", node)
	}
	if len(node.Args) != 1 || node.Args[0] != `"unterminated and more` {
		t.Fatalf("expected remainder as one token, got %#v", node.Args)
	}
}

func TestParseSegmentCompoundBody(t *testing.T) {
	node := ParseSegment(`ssh host "cd /srv && rm -rf data"`)
	if node.Kind != KindWrapper || !node.Compound {
		t.Fatalf("expected compound wrapper, got %+v", node)
	}
	if node.Nested == nil || node.Nested.Name != "cd" {
		t.Fatalf("unexpected nested: %+v", node.Nested)
	}
}

func TestParseDeepNestingDoesNotPanic(t *testing.T) {
	cmd := "ls"
	for i := 0; i < 64; i++ {
		cmd = "sudo " + cmd
	}
	if node := ParseSegment(cmd); node == nil {
		t.Fatal("expected a node")
	}
}

func TestGenerate(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"ssh aarni git log", []string{"ssh aarni git log", "ssh aarni git *", "ssh aarni *", "git log", "git *"}},
		{"git status", []string{"git status", "git *"}},
		{"ls", []string{"ls", "ls *"}},
		{"ssh h sudo apt update", []string{
			"ssh h sudo apt update", "ssh h sudo apt *", "ssh h *",
			"sudo apt update", "sudo apt *", "sudo *",
			"apt update", "apt *",
		}},
		{`ssh host "cd /srv && rm -rf data"`, []string{`ssh host "cd /srv && rm -rf data"`, "ssh host *"}},
	}
	for _, tc := range cases {
		got := Generate(ParseSegment(tc.in))
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Generate(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestSubjects(t *testing.T) {
	got := Subjects(ParseSegment("ssh h sudo rm -rf /"))
	want := []string{"ssh h sudo rm -rf /", "sudo rm -rf /", "rm -rf /"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Subjects = %#v, want %#v", got, want)
	}

	compound := Subjects(ParseSegment(`ssh h "ls && rm x"`))
	if !reflect.DeepEqual(compound, []string{`ssh h "ls && rm x"`}) {
		t.Fatalf("compound body must not expose inner commands, got %#v", compound)
	}
}

func TestToolPatternsBashChain(t *testing.T) {
	got := ToolPatterns("Bash", `{"command":"cd /p && git log"}`, "")
	want := []string{"Bash(cd /p)", "Bash(cd *)", "Bash(git log)", "Bash(git *)", "Bash(*)"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ToolPatterns = %#v, want %#v", got, want)
	}
}

func TestToolPatternsFiles(t *testing.T) {
	got := ToolPatterns("Edit", `{"file_path":"/home/u/proj/src/main.go"}`, "/home/u/proj")
	want := []string{
		"Edit(/home/u/proj/src/main.go)",
		"Edit(*.go)",
		"Edit(*/src/*)",
		"Edit(*/proj/*.go)",
		"Edit(*/proj/*)",
		"Edit(*)",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Edit patterns = %#v, want %#v", got, want)
	}

	rel := ToolPatterns("Write", `{"file_path":"docs/readme"}`, "")
	wantRel := []string{"Write(docs/readme)", "Write(*/docs/*)", "Write(docs/*)", "Write(*)"}
	if !reflect.DeepEqual(rel, wantRel) {
		t.Fatalf("Write patterns = %#v, want %#v", rel, wantRel)
	}

	read := ToolPatterns("Read", `{"file_path":"/etc/hosts.txt"}`, "")
	wantRead := []string{"Read(/etc/hosts.txt)", "Read(*/etc/*)", "Read(*)"}
	if !reflect.DeepEqual(read, wantRead) {
		t.Fatalf("Read patterns = %#v, want %#v", read, wantRead)
	}
}

func TestToolPatternsFallback(t *testing.T) {
	for _, tc := range []struct{ tool, input string }{
		{"WebFetch", `{"url":"https://x"}`},
		{"Bash", ""},
		{"Edit", "not json"},
	} {
		got := ToolPatterns(tc.tool, tc.input, "")
		if len(got) != 1 || got[0] != tc.tool+"(*)" {
			t.Fatalf("ToolPatterns(%s, %q) = %#v", tc.tool, tc.input, got)
		}
	}
}
