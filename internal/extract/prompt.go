package extract

import (
	"fmt"
	"strings"
)

// DefaultMaxChars bounds the notice text placed in the first prompt.
const DefaultMaxChars = 12000

const systemPrompt = "You are a procurement analyst. You read public tender notices and " +
	"extract facts precisely. Reply with a single JSON object and nothing else."

var languageNames = map[string]string{
	"cs": "Czech",
	"sk": "Slovak",
	"en": "English",
	"de": "German",
	"pl": "Polish",
}

func buildPrompt(text, lang string, maxChars int) string {
	if r := []rune(text); len(r) > maxChars {
		text = string(r[:maxChars])
	}
	name, ok := languageNames[lang]
	if !ok {
		name = lang
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tender notice (%s):\n<<<\n%s\n>>>\n\n", name, text)
	sb.WriteString(`Tasks:
1. "deadline": the submission deadline as ISO-8601 datetime (for example 2025-08-17T16:00:00Z); if only a date is given use T00:00:00Z; null when absent.
2. "cpv": every CPV code mentioned (8 digits, optionally "-" and one check digit).
3. "requirements": 3 to 10 short bullet points with the key qualification or technical requirements, in the notice's language.

Answer with JSON only: {"deadline": ..., "cpv": [...], "requirements": [...]}`)
	return sb.String()
}

func buildRepairPrompt(raw, validationErr string) string {
	var sb strings.Builder
	sb.WriteString("Your previous answer did not match the required schema.\n\n<raw_json>\n")
	sb.WriteString(raw)
	sb.WriteString("\n</raw_json>\n\nValidation errors:\n")
	sb.WriteString(validationErr)
	sb.WriteString(`

Return a corrected JSON object with exactly these keys:
{"deadline": ISO-8601 string or null, "cpv": ["########" or "########-#", ...], "requirements": [strings of 3 to 400 characters]}
Reply with JSON only.`)
	return sb.String()
}
