package gateway

import (
	"fmt"
	"strings"
	"unicode"
)

var bracketPairs = map[rune]rune{
	')': '(',
	']': '[',
	'}': '{',
}

// lintKQL runs local structural checks over a KQL query: balanced brackets,
// terminated string literals, no trailing pipe. Semantic validity stays with
// the log query service.
func lintKQL(query string) []string {
	issues := []string{}

	if strings.TrimSpace(query) == "" {
		issues = append(issues, "query is empty")
		return issues
	}

	var stack []rune
	var stringDelim rune
	var lastCode rune
	inLineComment := false
	escaped := false

	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]

		if inLineComment {
			if ch == '\n' {
				inLineComment = false
			}
			continue
		}

		if stringDelim != 0 {
			if escaped {
				escaped = false
				continue
			}
			switch ch {
			case '\\':
				escaped = true
			case stringDelim:
				stringDelim = 0
			}
			continue
		}

		switch ch {
		case '/':
			if i+1 < len(runes) && runes[i+1] == '/' {
				inLineComment = true
				i++
			}
		case '\'', '"':
			stringDelim = ch
		case '(', '[', '{':
			stack = append(stack, ch)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != bracketPairs[ch] {
				issues = append(issues, fmt.Sprintf("unbalanced %q", string(ch)))
			} else {
				stack = stack[:len(stack)-1]
			}
		}

		if !inLineComment && stringDelim == 0 && !unicode.IsSpace(ch) {
			lastCode = ch
		}
	}

	if stringDelim != 0 {
		issues = append(issues, fmt.Sprintf("unterminated %q-quoted string", string(stringDelim)))
	}
	for i := len(stack) - 1; i >= 0; i-- {
		issues = append(issues, fmt.Sprintf("unclosed %q", string(stack[i])))
	}
	if lastCode == '|' {
		issues = append(issues, "query ends with a pipe")
	}

	return issues
}
