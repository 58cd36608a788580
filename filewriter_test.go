package colony

import (
	"path/filepath"
	"testing"
)

func TestParseFileWriteDirectiveExtractsPathAndBody(t *testing.T) {
	task := "write a hello world program, save to cmd/hello/main.go"
	response := "Here you go:\n```go\npackage main\n\nfunc main() {}\n```\nDone."

	req, ok := ParseFileWriteDirective(task, response)
	if !ok {
		t.Fatal("expected directive to be found")
	}
	if req.Path != "cmd/hello/main.go" {
		t.Errorf("got path %q", req.Path)
	}
	if req.Body != "package main\n\nfunc main() {}\n" {
		t.Errorf("got body %q", req.Body)
	}
}

func TestParseFileWriteDirectiveAbsentWhenNoDirective(t *testing.T) {
	_, ok := ParseFileWriteDirective("just summarize this", "```go\nfoo\n```")
	if ok {
		t.Fatal("expected no directive")
	}
}

func TestParseFileWriteDirectiveAbsentWhenNoCodeBlock(t *testing.T) {
	_, ok := ParseFileWriteDirective("save to foo.go", "plain text, no fences")
	if ok {
		t.Fatal("expected no directive without a code block")
	}
}

func TestResolveWritePathRejectsEscapingPath(t *testing.T) {
	if _, err := ResolveWritePath("/tmp/project", "../../etc/passwd.go"); err == nil {
		t.Fatal("expected error for path escaping project folder")
	}
}

func TestResolveWritePathRejectsDisallowedExtension(t *testing.T) {
	if _, err := ResolveWritePath("/tmp/project", "payload.exe"); err == nil {
		t.Fatal("expected error for disallowed extension")
	}
}

func TestResolveWritePathAcceptsNestedAllowedPath(t *testing.T) {
	got, err := ResolveWritePath("/tmp/project", "cmd/hello/main.go")
	if err != nil {
		t.Fatalf("ResolveWritePath: %v", err)
	}
	want := filepath.Join("/tmp/project", "cmd/hello/main.go")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
