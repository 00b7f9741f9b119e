// Package attachment validates and packages the optional file sent with a
// bulk dispatch request.
package attachment

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/shineum/bulkmail/internal/email"
	"github.com/shineum/bulkmail/internal/request"
)

// DefaultMaxBytes is 10 MiB.
const DefaultMaxBytes int64 = 10 << 20

// Upload is a raw file as received from the caller.
type Upload struct {
	Filename  string
	MediaType string
	Body      io.Reader
}

// Handler turns uploads into immutable attachments.
type Handler struct {
	maxBytes int64
}

// New creates a Handler enforcing maxBytes; non-positive values select
// DefaultMaxBytes.
func New(maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Handler{maxBytes: maxBytes}
}

// MaxBytes returns the size limit.
func (h *Handler) MaxBytes() int64 {
	return h.maxBytes
}

// Prepare reads u fully and returns the attachment to share across every
// send of the batch. A nil upload, or an empty unnamed one as sent by a
// form with no file chosen, yields a nil attachment.
func (h *Handler) Prepare(u *Upload) (*email.Attachment, error) {
	if u == nil || u.Body == nil {
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(u.Body, h.maxBytes+1))
	if err != nil {
		return nil, request.Invalid(request.ReasonInvalidBody, fmt.Errorf("read attachment: %w", err))
	}
	if int64(len(data)) > h.maxBytes {
		return nil, request.Invalid(request.ReasonAttachmentTooLarge,
			fmt.Errorf("attachment exceeds %d bytes", h.maxBytes))
	}
	if len(data) == 0 && u.Filename == "" {
		return nil, nil
	}

	return &email.Attachment{
		Filename:    sanitizeFilename(u.Filename),
		ContentType: mediaType(u.MediaType, u.Filename, data),
		Content:     data,
	}, nil
}

// sanitizeFilename drops any directory part a client may have sent.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		return "attachment"
	}
	return name
}

// mediaType prefers a well-formed declared type, then the extension, then
// content sniffing.
func mediaType(declared, filename string, data []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		if _, _, err := mime.ParseMediaType(declared); err == nil {
			return declared
		}
	}
	if ext := path.Ext(filename); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	if len(data) == 0 {
		return "application/octet-stream"
	}
	return http.DetectContentType(data)
}
