// Package prompts renders the prompt used to ask a model for a grading suggestion.
package prompts

import (
	"bytes"
	_ "embed"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"
)

const maxAnswerRunes = 10000

var (
	learnerAnswerRegex      = regexp.MustCompile(`(?i)</?\s*learner-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

//go:embed suggest.tmpl
var suggestSource string

var suggestTemplate = template.Must(template.New("suggest").Parse(suggestSource))

// SuggestData holds template data for a suggestion prompt.
type SuggestData struct {
	ExamTitle    string
	QuestionText string
	MaxPoints    float64
	Answer       string
	Language     string
}

// BuildSuggestPrompt renders the system prompt for one free-text answer. The answer is
// sanitized before it is placed into the prompt.
func BuildSuggestPrompt(d SuggestData) (string, error) {
	d.Answer = Sanitize(d.Answer)
	if d.Language == "" {
		d.Language = "en"
	}
	var buf bytes.Buffer
	if err := suggestTemplate.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Sanitize strips tags that could break out of the answer block and truncates long
// answers.
func Sanitize(answer string) string {
	answer = learnerAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}
	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}
	return answer
}
