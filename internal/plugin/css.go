package plugin

import (
	"fmt"
	"strings"
)

// ScopeSelector returns the attribute selector that scopes CSS to
// pluginID's elements.
func ScopeSelector(pluginID string) string {
	return fmt.Sprintf(`[data-plugin="%s"]`, pluginID)
}

// ScopeCSS prefixes every selector of every top-level rule with the
// plugin's scope selector. At-rules (@media, @keyframes, @import, ...) are
// copied through unchanged. Comments are dropped.
func ScopeCSS(pluginID, css string) string {
	scope := ScopeSelector(pluginID)
	src := stripComments(css)

	var out strings.Builder
	i := 0
	for i < len(src) {
		// Skip whitespace between rules.
		for i < len(src) && isSpace(src[i]) {
			i++
		}
		if i >= len(src) {
			break
		}

		if src[i] == '@' {
			end := atRuleEnd(src, i)
			out.WriteString(strings.TrimSpace(src[i:end]))
			out.WriteByte('\n')
			i = end
			continue
		}

		open := strings.IndexByte(src[i:], '{')
		if open < 0 {
			// Trailing garbage without a block.
			break
		}
		open += i
		close := blockEnd(src, open)
		selectors := splitSelectors(src[i:open])
		for k, sel := range selectors {
			sel = strings.TrimSpace(sel)
			switch {
			case sel == "":
			case sel == "body" || sel == "html" || sel == ":root":
				sel = scope
			default:
				sel = scope + " " + sel
			}
			selectors[k] = sel
		}
		out.WriteString(strings.Join(selectors, ", "))
		out.WriteByte(' ')
		out.WriteString(strings.TrimSpace(src[open:close]))
		out.WriteByte('\n')
		i = close
	}
	return strings.TrimRight(out.String(), "\n")
}

// splitSelectors splits a selector list on its top-level commas. Commas
// nested in :is(a, b) or quoted in [title="a,b"] stay put.
func splitSelectors(list string) []string {
	var out []string
	depth := 0
	var quote byte
	start := 0
	for j := 0; j < len(list); j++ {
		c := list[j]
		if quote != 0 {
			if c == '\\' {
				j++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[':
			depth++
		case ')', ']':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				out = append(out, list[start:j])
				start = j + 1
			}
		}
	}
	return append(out, list[start:])
}

// atRuleEnd returns the index just past the at-rule starting at i: either
// its terminating semicolon or its matching closing brace.
func atRuleEnd(src string, i int) int {
	for j := i; j < len(src); j++ {
		switch src[j] {
		case ';':
			return j + 1
		case '{':
			return blockEnd(src, j)
		}
	}
	return len(src)
}

// blockEnd returns the index just past the brace matching src[open].
func blockEnd(src string, open int) int {
	depth := 0
	var quote byte
	for j := open; j < len(src); j++ {
		c := src[j]
		if quote != 0 {
			if c == '\\' {
				j++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j + 1
			}
		}
	}
	return len(src)
}

func stripComments(css string) string {
	var b strings.Builder
	for {
		start := strings.Index(css, "/*")
		if start < 0 {
			b.WriteString(css)
			return b.String()
		}
		b.WriteString(css[:start])
		end := strings.Index(css[start+2:], "*/")
		if end < 0 {
			return b.String()
		}
		css = css[start+2+end+2:]
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
