// ABOUTME: Renders conversation transcripts to HTML for operator consoles
// ABOUTME: Message text is treated as Markdown; raw HTML in messages is never passed through

package api

import (
	"bytes"
	"html/template"
	"io"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/handoff-gateway/internal/store"
)

// markdown renders message bodies. The default renderer omits raw HTML.
var markdown = goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough))

var transcriptTemplate = template.Must(template.New("transcript").Parse(`<section class="transcript" data-conversation-id="{{.ConversationID}}">
{{- range .Messages}}
<article class="message message-{{.Sender}}{{if .Internal}} message-internal{{end}}" id="msg-{{.ID}}">
<header><span class="sender">{{.Sender}}</span>{{if .AuthorID}} <span class="author">{{.AuthorID}}</span>{{end}} <time datetime="{{.CreatedAt}}">{{.CreatedAt}}</time></header>
<div class="body">{{.Body}}</div>
</article>
{{- end}}
</section>
`))

type transcriptMessage struct {
	ID        string
	Sender    string
	AuthorID  string
	Internal  bool
	CreatedAt string
	Body      template.HTML
}

// renderTranscript writes msgs as an HTML fragment.
func renderTranscript(w io.Writer, conversationID string, msgs []*store.Message) error {
	data := struct {
		ConversationID string
		Messages       []transcriptMessage
	}{
		ConversationID: conversationID,
		Messages:       make([]transcriptMessage, len(msgs)),
	}

	for i, m := range msgs {
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(m.Text), &buf); err != nil {
			buf.Reset()
			buf.WriteString(template.HTMLEscapeString(m.Text))
		}
		data.Messages[i] = transcriptMessage{
			ID:        m.ID,
			Sender:    string(m.Sender),
			AuthorID:  m.AuthorID,
			Internal:  m.IsInternal,
			CreatedAt: formatTime(m.CreatedAt),
			Body:      template.HTML(buf.String()),
		}
	}

	return transcriptTemplate.Execute(w, data)
}
