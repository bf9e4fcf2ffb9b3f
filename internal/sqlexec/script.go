package sqlexec

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"strings"
)

// DBNamePlaceholder is substituted with the target database name on load.
const DBNamePlaceholder = "{{DB_NAME}}"

// Script is a named unit of SQL, possibly made of several GO batches.
type Script struct {
	Name string
	SQL  string
}

var batchSeparator = regexp.MustCompile(`(?im)^[ \t]*GO[ \t]*\r?$`)

// SplitBatches splits sql on GO separator lines. Batches that are empty or
// only contain comments are dropped.
func SplitBatches(sql string) []string {
	parts := batchSeparator.Split(sql, -1)
	batches := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || commentOnly(p) {
			continue
		}
		batches = append(batches, p)
	}
	return batches
}

func commentOnly(batch string) bool {
	for _, line := range strings.Split(batch, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

// ScriptSource resolves script references against a directory tree.
type ScriptSource struct {
	fsys   fs.FS
	dbName string
}

// NewScriptSource reads scripts from dir. dbName replaces {{DB_NAME}}.
func NewScriptSource(dir, dbName string) (*ScriptSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("scripts directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scripts directory %s is not a directory", dir)
	}
	return NewScriptSourceFS(os.DirFS(dir), dbName)
}

// NewScriptSourceFS reads scripts from fsys.
func NewScriptSourceFS(fsys fs.FS, dbName string) (*ScriptSource, error) {
	if dbName != "" {
		if err := ValidateIdentifier(dbName); err != nil {
			return nil, fmt.Errorf("database name: %w", err)
		}
	}
	return &ScriptSource{fsys: fsys, dbName: dbName}, nil
}

// Load reads the script at ref (a slash or backslash separated relative path).
func (s *ScriptSource) Load(name, ref string) (Script, error) {
	clean, err := cleanRef(ref)
	if err != nil {
		return Script{}, err
	}

	data, err := fs.ReadFile(s.fsys, clean)
	if err != nil {
		return Script{}, fmt.Errorf("load script %s: %w", ref, err)
	}

	text := string(data)
	if s.dbName != "" {
		text = strings.ReplaceAll(text, DBNamePlaceholder, s.dbName)
	}
	return Script{Name: name, SQL: text}, nil
}

func cleanRef(ref string) (string, error) {
	ref = strings.ReplaceAll(ref, `\`, "/")
	if ref == "" || path.IsAbs(ref) || (len(ref) > 1 && ref[1] == ':') {
		return "", fmt.Errorf("invalid script path %q", ref)
	}
	clean := path.Clean(ref)
	if !fs.ValidPath(clean) || clean == "." {
		return "", fmt.Errorf("invalid script path %q", ref)
	}
	return clean, nil
}
