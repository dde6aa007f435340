package processor

import (
	"bytes"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/jaytaylor/html2text"
)

// parsedMessage is the decoded content of one mail
type parsedMessage struct {
	MessageID string
	Subject   string
	Text      string
	HTML      string
}

// parseMessage decodes a raw RFC 822 message and keeps the first inline
// text/plain and text/html parts. Unparseable input is treated as plain text.
func parseMessage(raw []byte) (parsedMessage, error) {
	var msg parsedMessage

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		msg.Text = string(raw)
		return msg, err
	}
	defer mr.Close()

	msg.MessageID, _ = mr.Header.MessageID()
	msg.Subject, _ = mr.Header.Subject()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return msg, err
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return msg, err
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && msg.Text == "":
			msg.Text = string(body)
		case strings.HasPrefix(contentType, "text/html") && msg.HTML == "":
			msg.HTML = string(body)
		}
	}

	return msg, nil
}

// readableText returns the plain body, or the HTML body reduced to text
func (m parsedMessage) readableText() (string, error) {
	if strings.TrimSpace(m.Text) != "" || m.HTML == "" {
		return m.Text, nil
	}
	return html2text.FromString(m.HTML, html2text.Options{})
}
