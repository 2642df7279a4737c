package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

var headerDecoder = new(mime.WordDecoder)

// decodeMessage fills the parsed fields of env from its raw data: the
// decoded subject, the Message-Id, the first text/plain and text/html parts,
// and the names of every other part.
func decodeMessage(env *Envelope) error {
	msg, err := mail.ReadMessage(bytes.NewReader(env.Data))
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}

	env.Subject = msg.Header.Get("Subject")
	if dec, err := headerDecoder.DecodeHeader(env.Subject); err == nil {
		env.Subject = dec
	}
	env.MessageID = strings.Trim(msg.Header.Get("Message-Id"), "<>")

	return decodePart(env, msg.Body, msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), "")
}

func decodePart(env *Envelope, r io.Reader, contentType, encoding, disposition string) error {
	mediaType, params := "text/plain", map[string]string{}
	if contentType != "" {
		mt, p, err := mime.ParseMediaType(contentType)
		if err != nil {
			mt = "application/octet-stream"
		}
		mediaType, params = mt, p
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart message without boundary")
		}
		mr := multipart.NewReader(r, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read part: %w", err)
			}
			err = decodePart(env, part,
				part.Header.Get("Content-Type"),
				part.Header.Get("Content-Transfer-Encoding"),
				part.Header.Get("Content-Disposition"))
			if err != nil {
				return err
			}
		}
	}

	body, err := readBody(r, encoding)
	if err != nil {
		return fmt.Errorf("read %s body: %w", mediaType, err)
	}

	attachment := strings.HasPrefix(strings.ToLower(disposition), "attachment")
	switch {
	case mediaType == "text/plain" && !attachment && env.TextBody == "":
		env.TextBody = string(body)
	case mediaType == "text/html" && !attachment && env.HTMLBody == "":
		env.HTMLBody = string(body)
	default:
		env.Attachments = append(env.Attachments, partName(disposition, params, mediaType))
	}
	return nil
}

// partName prefers the Content-Disposition filename, then the Content-Type
// name, then the media type.
func partName(disposition string, params map[string]string, mediaType string) string {
	if disposition != "" {
		if _, dp, err := mime.ParseMediaType(disposition); err == nil && dp["filename"] != "" {
			return dp["filename"]
		}
	}
	if params["name"] != "" {
		return params["name"]
	}
	return mediaType
}

func readBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, r))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}
