package transport

import (
	"html"
	"strings"
)

// Embed is a structured message body. Gateways without native embeds render
// it with RenderHTML.
type Embed struct {
	Title       string
	Description string
	Fields      []EmbedField
	Footer      string
	Actions     []Action
}

type EmbedField struct {
	Name  string
	Value string
}

// RenderHTML renders text followed by the embed in Telegram-flavoured HTML.
// A nil embed yields the escaped text alone.
func RenderHTML(text string, e *Embed) string {
	var b strings.Builder
	if t := strings.TrimSpace(text); t != "" {
		b.WriteString(html.EscapeString(t))
	}
	if e == nil {
		return b.String()
	}
	section := func() {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
	}
	if e.Title != "" {
		section()
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(e.Title))
		b.WriteString("</b>")
	}
	if e.Description != "" {
		if e.Title != "" {
			b.WriteString("\n")
		} else {
			section()
		}
		b.WriteString(html.EscapeString(e.Description))
	}
	if len(e.Fields) > 0 {
		section()
		for i, f := range e.Fields {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString("<b>")
			b.WriteString(html.EscapeString(f.Name))
			b.WriteString(":</b> ")
			b.WriteString(html.EscapeString(f.Value))
		}
	}
	if e.Footer != "" {
		section()
		b.WriteString("<i>")
		b.WriteString(html.EscapeString(e.Footer))
		b.WriteString("</i>")
	}
	return b.String()
}
