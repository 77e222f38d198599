// Package prompt builds the instruction strings sent to the generative model
// and cleans up its responses.
package prompt

import (
	"fmt"
	"strings"

	"github.com/example/testsmith/internal/model"
)

// FlattenFiles concatenates file records into a single textual context, each
// delimited by a header carrying its name. Input order is preserved so the
// model sees a reproducible context.
func FlattenFiles(files []model.SourceFile) string {
	parts := make([]string, 0, len(files))
	for _, f := range files {
		parts = append(parts, fmt.Sprintf("--- File: %s ---\n\n%s", f.Name, f.Content))
	}
	return strings.Join(parts, "\n\n")
}

// Suggestions instructs the model to return a strict JSON array of
// {title, description} objects and nothing else.
func Suggestions(files []model.SourceFile) string {
	return "As an expert software tester, analyze the following code file(s) and provide a concise list of suggested test cases. " +
		"For each suggestion, provide a short title and a one-sentence description. " +
		"Format the output as a valid JSON array of objects. Each object must have a \"title\" and a \"description\" property. " +
		"Do not include any other text or formatting before or after the JSON array. " +
		"--- Code for Analysis ---\n\n" + FlattenFiles(files)
}

// Code instructs the model to return a single fenced code block implementing
// the given test case against the supplied files.
func Code(files []model.SourceFile, s model.Suggestion) string {
	return "As an expert test engineer, write a complete, runnable test file based on the provided code and the specific test case description. " +
		"Framework: Use Jest and React Testing Library for React components. For Python files, use pytest. " +
		fmt.Sprintf("Test Case to Implement: - Title: %q - Description: %q. ", s.Title, s.Description) +
		"Instructions: 1. Write only the code for this single test case. 2. The code must be complete and self-contained in a single file. " +
		"3. Include all necessary imports. 4. Assume component files are imported relative to the test file. " +
		"5. Wrap the final code in a single markdown code block. Do not add any other text or explanation. " +
		"--- Provided Code ---\n" + FlattenFiles(files)
}

// StripFence removes a surrounding markdown code fence, including an optional
// language tag on the opening fence. Responses without a fence pass through
// with only whitespace trimmed.
func StripFence(raw string) string {
	out := strings.TrimSpace(raw)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	if idx := strings.IndexByte(out, '\n'); idx >= 0 {
		out = out[idx+1:]
	} else {
		// Opening fence with no body.
		return strings.TrimSpace(strings.TrimPrefix(out, "```"))
	}
	out = strings.TrimRight(out, " \t\n")
	if strings.HasSuffix(out, "```") {
		out = out[:len(out)-3]
		out = strings.TrimRight(out, " \t\n")
	}
	return out
}
