// Package content handles message bodies on their way in and out:
// validation before send, markdown rendering and sanitization before
// display, attachment type sniffing for outgoing payloads.
package content

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"vestnik/internal/models"
)

var (
	policy = bluemonday.UGCPolicy()
	md     = goldmark.New()
)

// Sanitize removes unsafe HTML from the input string using a strict
// policy. Applied to every remotely-sourced message body before it
// reaches the UI layer.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// RenderMarkdown renders a message body as markdown and sanitizes the
// result.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return policy.SanitizeReader(&buf).String(), nil
}

// ValidateBody rejects empty or whitespace-only message content.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return models.ErrEmptyContent
	}
	return nil
}

// DetectAttachment builds an attachment descriptor from a file name and
// its leading bytes. Unknown content is treated as a generic file.
func DetectAttachment(name string, data []byte) models.Attachment {
	att := models.Attachment{
		Kind:     models.AttachmentFile,
		Name:     name,
		MimeType: "application/octet-stream",
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return att
	}

	att.MimeType = kind.MIME.Value
	if filetype.IsImage(data) {
		att.Kind = models.AttachmentImage
	}
	return att
}
