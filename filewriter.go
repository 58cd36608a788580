package colony

import (
	"path/filepath"
	"regexp"
	"strings"
)

// allowedWriteExtensions is the fixed allow-list of file extensions a
// worker may write to disk.
var allowedWriteExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".java": true,
	".rs": true, ".c": true, ".cpp": true, ".h": true, ".hpp": true,
	".sh": true, ".sql": true, ".yaml": true, ".yml": true, ".json": true,
	".toml": true, ".md": true, ".txt": true,
}

var saveDirectiveRe = regexp.MustCompile(`(?i)save\s+to\s+([^\s,;]+)`)
var fencedCodeBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n(.*?)```")

// FileWriteRequest is a parsed "save to <path>" directive paired with the
// code block extracted from the LLM response.
type FileWriteRequest struct {
	Path string
	Body string
}

// ParseFileWriteDirective scans taskText for an explicit "save to <path>"
// directive and responseText for the first fenced code block. It returns
// ok=false if either is absent — a task with no directive performs no
// file write.
func ParseFileWriteDirective(taskText, responseText string) (FileWriteRequest, bool) {
	pathMatch := saveDirectiveRe.FindStringSubmatch(taskText)
	if pathMatch == nil {
		return FileWriteRequest{}, false
	}
	bodyMatch := fencedCodeBlockRe.FindStringSubmatch(responseText)
	if bodyMatch == nil {
		return FileWriteRequest{}, false
	}
	return FileWriteRequest{Path: strings.TrimSpace(pathMatch[1]), Body: bodyMatch[1]}, true
}

// ResolveWritePath normalizes path relative to projectFolder and rejects it
// if it escapes the folder or uses a disallowed extension.
func ResolveWritePath(projectFolder, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedWriteExtensions[ext] {
		return "", newErr(ErrParse, "file write: disallowed extension "+ext, nil)
	}

	root, err := filepath.Abs(projectFolder)
	if err != nil {
		return "", newErr(ErrParse, "file write: resolve project folder", err)
	}
	joined := filepath.Join(root, path)
	resolved, err := filepath.Abs(joined)
	if err != nil {
		return "", newErr(ErrParse, "file write: resolve path", err)
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", newErr(ErrParse, "file write: path escapes project folder: "+path, nil)
	}
	return resolved, nil
}
