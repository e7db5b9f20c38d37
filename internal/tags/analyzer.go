// Package tags analyzes tag strings and decides whether two tags may merge
// during semantic normalization. Everything here is pure: no I/O, no state.
package tags

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	dashRunRe     = regexp.MustCompile(`[-_]+`)
	versionWordRe = regexp.MustCompile(`\bversion\b`)
	verWordRe     = regexp.MustCompile(`\bver\b`)
	vDigitRe      = regexp.MustCompile(`\bv(\d)`)

	versionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bv\s*(\d+(?:\.\d+)*)`),
		regexp.MustCompile(`\bversion\s+(\d+(?:\.\d+)*)`),
		regexp.MustCompile(`\bver\s+(\d+(?:\.\d+)*)`),
		regexp.MustCompile(`\bapi\s+(\d+(?:\.\d+)*)`),
	}

	numberRe = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\b`)
)

// NormalizeForEmbedding rewrites a tag into the form handed to the
// embedding model: lowercase, separator runs collapsed to spaces, version
// markers unified ("version"/"ver" -> "v"), a space wedged between v and a
// digit, and whitespace collapsed.
func NormalizeForEmbedding(tag string) string {
	t := strings.ToLower(tag)
	t = dashRunRe.ReplaceAllString(t, " ")
	t = versionWordRe.ReplaceAllString(t, "v")
	t = verWordRe.ReplaceAllString(t, "v")
	t = vDigitRe.ReplaceAllString(t, "v $1")
	return strings.Join(strings.Fields(t), " ")
}

// ExtractVersion pulls a version number out of a tag. Matches v1, v2.0,
// version 2, ver 3.0, api 2. Returns the normalized version ("2" -> "2.0",
// "01" -> "1.0") and true, or "" and false when the tag carries no version.
func ExtractVersion(tag string) (string, bool) {
	t := strings.ToLower(tag)
	t = dashRunRe.ReplaceAllString(t, " ")

	for _, re := range versionPatterns {
		if m := re.FindStringSubmatch(t); m != nil {
			return normalizeVersionNumber(m[1]), true
		}
	}
	return "", false
}

// normalizeVersionNumber renders each dot-part as an integer and pads a
// bare major to major.0, so "2" == "2.0" and "01.10" == "1.10".
func normalizeVersionNumber(version string) string {
	parts := strings.Split(version, ".")
	for i, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			parts[i] = strconv.Itoa(n)
		}
	}
	if len(parts) == 1 {
		parts = append(parts, "0")
	}
	return strings.Join(parts, ".")
}

// ExtractNumbers returns the set of numeric tokens in a tag, each
// normalized the same way versions are.
func ExtractNumbers(tag string) map[string]struct{} {
	t := strings.ToLower(tag)
	t = dashRunRe.ReplaceAllString(t, " ")

	out := make(map[string]struct{})
	for _, m := range numberRe.FindAllStringSubmatch(t, -1) {
		out[normalizeVersionNumber(m[1])] = struct{}{}
	}
	return out
}

// SplitColon splits a structured key:value tag at the first colon. Both
// halves come back lowercased and trimmed. ok is false for plain tags.
func SplitColon(tag string) (prefix, suffix string, ok bool) {
	i := strings.IndexByte(tag, ':')
	if i < 0 {
		return "", "", false
	}
	prefix = strings.TrimSpace(strings.ToLower(tag[:i]))
	suffix = strings.TrimSpace(strings.ToLower(tag[i+1:]))
	return prefix, suffix, true
}
