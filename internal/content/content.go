package content

import (
	"bytes"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"boltalka/internal/models"
)

var (
	displayPolicy = bluemonday.UGCPolicy()
	inputPolicy   = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like usernames before they are persisted.
func Sanitize(input string) string {
	return strings.TrimSpace(inputPolicy.Sanitize(input))
}

// RenderMarkdown converts a stored message body to display HTML.
// The result is sanitized with a UGC policy.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return displayPolicy.Sanitize(buf.String()), nil
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: username cannot be empty", models.ErrValidation)
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("%w: username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)", models.ErrValidation)
	}
	return nil
}
