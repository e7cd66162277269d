package plugin

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/dshills/parley/internal/plugin/api"
)

// DefaultVersion is the version of a plugin that declares none.
const DefaultVersion = "1.0.0"

// Metadata is what a plugin declares about itself in annotations.
type Metadata struct {
	Name        string
	Version     string
	Description string
	Author      string
	Homepage    string
	Icon        string
}

// annotationPattern matches "// @key value" and "-- @key value".
var annotationPattern = regexp.MustCompile(`^(?://|--)\s*@([A-Za-z]+)\s+(.+?)\s*$`)

// ParseMetadata reads @key annotations from the line comments at the top
// of code. Reading stops at the first line that is neither blank nor a
// comment. Unknown keys are ignored; the first occurrence of a key wins.
func ParseMetadata(code string) (Metadata, error) {
	md := Metadata{}
	seen := map[string]bool{}
	sc := bufio.NewScanner(strings.NewReader(code))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !isCommentLine(line) {
			break
		}
		m := annotationPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key, val := strings.ToLower(m[1]), m[2]
		if seen[key] {
			continue
		}
		seen[key] = true
		switch key {
		case "name":
			md.Name = val
		case "version":
			md.Version = val
		case "description":
			md.Description = val
		case "author":
			md.Author = val
		case "homepage":
			md.Homepage = val
		case "icon":
			md.Icon = val
		}
	}
	if err := sc.Err(); err != nil {
		return Metadata{}, fmt.Errorf("read annotations: %w", err)
	}
	if md.Version == "" {
		md.Version = DefaultVersion
	}
	return md, nil
}

// isCommentLine reports whether a trimmed line is a js or lua comment,
// including the lines of a js block comment.
func isCommentLine(line string) bool {
	for _, prefix := range []string{"//", "--", "/*", "*"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// DetectFormat guesses the format of plain plugin source: Lua when its
// annotations use "--" comments, JavaScript otherwise.
func DetectFormat(code string) string {
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "--") {
			return api.FormatLua
		}
		return api.FormatJS
	}
	return api.FormatJS
}

// Slug derives a plugin id from a name: lower case, runs of other
// characters replaced by a single hyphen.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
