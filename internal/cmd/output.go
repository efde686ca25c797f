package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/inercia/fundchat/internal/conversation"
)

var (
	colorError   = color.New(color.FgRed)
	colorWarn    = color.New(color.FgYellow)
	colorOK      = color.New(color.FgGreen)
	colorAnswer  = color.New(color.FgCyan)
	colorDim     = color.New(color.Faint)
	colorHeading = color.New(color.Bold)
)

// citationKeys are tried in order to describe a source in one line.
var citationKeys = []string{"source", "file_name", "filename", "document", "title"}

// formatCitation renders one citation as "<name> (p. N): <excerpt>".
// Unknown shapes fall back to compact JSON.
func formatCitation(c conversation.Citation, width int) string {
	name := ""
	for _, k := range citationKeys {
		if v, ok := c[k].(string); ok && v != "" {
			name = v
			break
		}
	}

	var b strings.Builder
	if name != "" {
		b.WriteString(name)
		if page, ok := c["page"]; ok {
			fmt.Fprintf(&b, " (p. %v)", page)
		}
	}
	excerpt := ""
	for _, k := range []string{"text", "content", "page_content"} {
		if v, ok := c[k].(string); ok && v != "" {
			excerpt = v
			break
		}
	}
	if excerpt != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(strings.Join(strings.Fields(excerpt), " "))
	}
	if b.Len() == 0 {
		// map keys are marshaled in sorted order
		data, _ := json.Marshal(c)
		b.Write(data)
	}
	return truncate(b.String(), width)
}

// truncate shortens s to at most width runes, marking the cut with "...".
func truncate(s string, width int) string {
	if width <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 3 {
		return string(r[:width])
	}
	return string(r[:width-3]) + "..."
}

// shortID returns the first eight characters of a conversation id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// matchConversation finds the conversation whose id equals or uniquely
// starts with ref.
func matchConversation(list []conversation.Conversation, ref string) (conversation.Conversation, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return conversation.Conversation{}, fmt.Errorf("conversation id is required")
	}
	var matches []conversation.Conversation
	for _, c := range list {
		if c.ID == ref {
			return c, nil
		}
		if strings.HasPrefix(c.ID, ref) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return conversation.Conversation{}, fmt.Errorf("no conversation matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return conversation.Conversation{}, fmt.Errorf("%q matches %d conversations", ref, len(matches))
	}
}
