package connector

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsafeQuery wraps all guard rejections so callers can distinguish a
// vetoed statement from an execution failure.
type ErrUnsafeQuery struct {
	Reason string
}

func (e *ErrUnsafeQuery) Error() string {
	return fmt.Sprintf("unsafe SQL rejected: %s", e.Reason)
}

// Keywords that must never appear in a statement bound for a user
// database, regardless of position.
var deniedKeywords = []string{
	"DROP", "DELETE", "TRUNCATE", "ALTER", "UPDATE", "INSERT",
	"CREATE", "GRANT", "REVOKE", "EXEC", "EXECUTE", "MERGE",
}

var (
	deniedKeywordRe = regexp.MustCompile(`(?i)\b(` + strings.Join(deniedKeywords, "|") + `)\b`)
	leadingSelectRe = regexp.MustCompile(`(?is)^\s*(SELECT|WITH)\b`)
)

// GuardQuery validates that a statement is a single read-only query.
// It runs on every statement bound for a user database, including
// model-repaired ones. The checks are deliberately blunt: a false
// rejection costs a retry, a false acceptance mutates someone's data.
func GuardQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &ErrUnsafeQuery{Reason: "empty statement"}
	}

	if !leadingSelectRe.MatchString(trimmed) {
		return &ErrUnsafeQuery{Reason: "only SELECT queries are allowed"}
	}

	if strings.Contains(trimmed, "--") {
		return &ErrUnsafeQuery{Reason: "SQL comments are not allowed"}
	}
	if strings.Contains(trimmed, "/*") {
		return &ErrUnsafeQuery{Reason: "SQL comments are not allowed"}
	}

	if m := deniedKeywordRe.FindString(trimmed); m != "" {
		return &ErrUnsafeQuery{Reason: fmt.Sprintf("statement contains forbidden keyword %s", strings.ToUpper(m))}
	}

	// A trailing semicolon is fine; anything after one is statement stacking.
	if idx := strings.Index(trimmed, ";"); idx != -1 {
		if rest := strings.TrimSpace(trimmed[idx+1:]); rest != "" {
			return &ErrUnsafeQuery{Reason: "multiple statements are not allowed"}
		}
	}

	return nil
}
