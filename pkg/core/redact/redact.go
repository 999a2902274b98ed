// Package redact scrubs sensitive material from transcript text before it
// is stored, logged, or written to the session channel. The rules are fixed
// regex tables; redaction is idempotent, so already-scrubbed text passes
// through unchanged.
package redact

import (
	"regexp"
	"strings"
)

// Replacement markers emitted in place of matched content.
const (
	Redacted      = "[REDACTED]"
	RedactedSSN   = "[REDACTED-SSN]"
	RedactedPhone = "[REDACTED-PHONE]"
)

// minDigitRun is the shortest run of consecutive digits treated as an
// account or card number.
const minDigitRun = 12

var (
	longDigits = regexp.MustCompile(`\b\d{12,}\b`)
	ssn        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phone      = regexp.MustCompile(`\(\d{3}\)\s*\d{3}-\d{4}`)
)

// rule pairs a compiled pattern with its replacement.
type rule struct {
	re   *regexp.Regexp
	repl string
}

var secretRules = []rule{
	{regexp.MustCompile(`(?i)api[_-]?key["\s]*[:=]["\s]*[A-Za-z0-9+/]{20,}`), `api_key="[REDACTED]"`},
	{regexp.MustCompile(`(?i)token["\s]*[:=]["\s]*[A-Za-z0-9+/]{20,}`), `token="[REDACTED]"`},
	{regexp.MustCompile(`(?i)secret["\s]*[:=]["\s]*[A-Za-z0-9+/]{20,}`), `secret="[REDACTED]"`},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9+/]{20,}`), `Bearer [REDACTED]`},
	{regexp.MustCompile(`(?i)endpoint=https://[^;]+;accesskey=[^;]+`), `endpoint=[REDACTED];accesskey=[REDACTED]`},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{48}`), `[REDACTED-OPENAI-KEY]`},
}

var audioRules = []rule{
	{regexp.MustCompile(`data:audio/[^;]+;base64,[A-Za-z0-9+/=]+`), `[AUDIO-DATA-MASKED]`},
	{regexp.MustCompile(`audio_data=[A-Za-z0-9+/=]{20,}`), `audio_data=[MASKED]`},
	{regexp.MustCompile(`payload=[A-Za-z0-9+/=]{50,}`), `payload=[MASKED]`},
	{regexp.MustCompile(`base64:[A-Za-z0-9+/=]{50,}`), `base64:[MASKED]`},
}

// Digits replaces runs of 12 or more consecutive digits.
func Digits(text string) string {
	if text == "" {
		return text
	}
	return longDigits.ReplaceAllString(text, Redacted)
}

// Transcript scrubs caller-facing transcript text: long digit runs, SSN
// shapes, and formatted phone numbers.
func Transcript(text string) string {
	if text == "" {
		return text
	}
	out := longDigits.ReplaceAllString(text, Redacted)
	out = ssn.ReplaceAllString(out, RedactedSSN)
	out = phone.ReplaceAllString(out, RedactedPhone)
	return out
}

// Secrets scrubs credential shapes: keyed assignments, bearer headers,
// connection strings, provider key prefixes.
func Secrets(text string) string {
	if text == "" {
		return text
	}
	for _, r := range secretRules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}

// Audio masks inline base64 audio payloads so they never land in logs.
func Audio(text string) string {
	if text == "" {
		return text
	}
	for _, r := range audioRules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}

// All applies every redaction rule in order: digits, secrets, audio.
func All(text string) string {
	if text == "" {
		return text
	}
	return Audio(Secrets(Digits(text)))
}

// ForLog redacts text and truncates it for log lines.
func ForLog(text string, maxLen int) string {
	if text == "" {
		return text
	}
	out := All(text)
	if maxLen > 3 && len(out) > maxLen {
		out = strings.ToValidUTF8(out[:maxLen-3], "") + "..."
	}
	return out
}
