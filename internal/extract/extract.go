// Package extract finds one-time verification codes in free-text SMS bodies.
//
// Extraction runs in tiers. Patterns tuned to a known service run first, then
// labeled generic patterns ("code: 1234", "your PIN is 1234"), then bare digit
// runs. The first tier that yields an acceptable candidate wins. All functions
// are pure and safe for concurrent use.
package extract

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
)

const (
	minCodeLength = 4
	maxCodeLength = 8
)

// codeGroup captures a 4-8 digit code or a 6 digit code split as "123-456".
const codeGroup = `(\d{3}[- ]\d{3}|\d{4,8})\b`

var servicePatterns = map[string][]*regexp.Regexp{
	"whatsapp": serviceRules(`whatsapp`),
	"telegram": serviceRules(`telegram`),
	"google": append(serviceRules(`google`),
		regexp.MustCompile(`\bG-(\d{6})\b`)),
	"facebook": append(serviceRules(`facebook|fb`),
		regexp.MustCompile(`\bFB-(\d{5,8})\b`)),
	"instagram": serviceRules(`instagram`),
	"twitter":   serviceRules(`twitter|x`),
	"discord":   serviceRules(`discord`),
	"microsoft": serviceRules(`microsoft`),
	"amazon":    serviceRules(`amazon`),
	"apple":     serviceRules(`apple`),
	"uber":      serviceRules(`uber`),
	"tiktok":    serviceRules(`tiktok`),
	"snapchat":  serviceRules(`snapchat`),
	"signal":    serviceRules(`signal`),
	"paypal":    serviceRules(`paypal`),
	"venmo":     serviceRules(`venmo`),
	"tinder":    serviceRules(`tinder`),
	"yahoo":     serviceRules(`yahoo`),
	"linkedin":  serviceRules(`linkedin`),
}

var serviceAliases = map[string]string{
	"x":  "twitter",
	"fb": "facebook",
	"wa": "whatsapp",
}

var labeledPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:pass)?code\b[^\d\n]{0,12}` + codeGroup),
	regexp.MustCompile(`(?i)\b(?:pin|otp)\b[^\d\n]{0,12}` + codeGroup),
	regexp.MustCompile(`(?i)\bverification\b[^\d\n]{0,20}` + codeGroup),
	regexp.MustCompile(`(?i)\bconfirm(?:ation)?\b[^\d\n]{0,20}` + codeGroup),
	regexp.MustCompile(`(?i)\b(\d{4,8})\s+is\s+your\b`),
}

var barePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(\d{4,8})\b`),
}

// serviceRules builds the "<service> ... code" and "code is your <service>"
// rules for a service name alternation.
func serviceRules(names string) []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:` + names + `)\b[^\d\n]{0,30}?` + codeGroup),
		regexp.MustCompile(`(?i)\b` + codeGroup + `\s+is\s+your\s+(?:` + names + `)\b`),
	}
}

// Codes returns the candidate codes found in text, deduplicated, in discovery
// order. serviceHint may be empty.
func Codes(text string, serviceHint string) []string {
	if text == "" {
		return []string{}
	}

	if rules, ok := servicePatterns[normalizeService(serviceHint)]; ok {
		if codes := match(text, rules); len(codes) > 0 {
			return codes
		}
	}

	if codes := match(text, labeledPatterns); len(codes) > 0 {
		return codes
	}

	return match(text, barePatterns)
}

// First returns the first code found in text.
func First(text string, serviceHint string) (string, bool) {
	codes := Codes(text, serviceHint)
	if len(codes) == 0 {
		return "", false
	}

	return codes[0], true
}

// KnownService reports whether name has dedicated patterns.
func KnownService(name string) bool {
	_, ok := servicePatterns[normalizeService(name)]
	return ok
}

func normalizeService(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := serviceAliases[name]; ok {
		return alias
	}

	return name
}

func match(text string, rules []*regexp.Regexp) []string {
	var candidates []string

	for _, rule := range rules {
		for _, groups := range rule.FindAllStringSubmatch(text, -1) {
			code := normalizeCode(groups[1])
			if accept(code) {
				candidates = append(candidates, code)
			}
		}
	}

	return lo.Uniq(candidates)
}

func normalizeCode(raw string) string {
	return strings.NewReplacer("-", "", " ", "").Replace(raw)
}

// accept rejects values outside [4,8] digits and 4-digit values that read as
// a calendar year.
func accept(code string) bool {
	if len(code) < minCodeLength || len(code) > maxCodeLength {
		return false
	}

	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}

	if len(code) == 4 && (strings.HasPrefix(code, "19") || strings.HasPrefix(code, "20")) {
		return false
	}

	return true
}
