package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/shineum/bulkmail/internal/attachment"
	"github.com/shineum/bulkmail/internal/credential"
	"github.com/shineum/bulkmail/internal/metrics"
	"github.com/shineum/bulkmail/internal/report"
	"github.com/shineum/bulkmail/internal/request"
)

// jsonAttachment is the attachment form used by JSON clients.
type jsonAttachment struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	Content   string `json:"content"`
}

// handleSendEmails accepts either the multipart form posted by the web
// client or an equivalent JSON document.
func (s *Server) handleSendEmails(w http.ResponseWriter, r *http.Request) {
	var (
		raw    request.Raw
		upload *attachment.Upload
		err    error
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		var cleanup func()
		raw, upload, cleanup, err = parseMultipart(r)
		if cleanup != nil {
			defer cleanup()
		}
	} else {
		raw, upload, err = parseJSON(r)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	s.dispatch(w, r, raw, upload)
}

// handleSendBulkEmails serves the legacy JSON endpoint. Requests name only
// recipients and content; delivery uses the configured credential pool.
func (s *Server) handleSendBulkEmails(w http.ResponseWriter, r *http.Request) {
	raw, upload, err := parseJSON(r)
	if err != nil {
		writeError(w, err)
		return
	}
	raw.Credentials = request.FromCredentials(s.cfg.DefaultCredentials)

	s.dispatch(w, r, raw, upload)
}

// dispatch validates raw, runs the batch to completion and writes the
// summary. Per-recipient failures still produce a 200.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, raw request.Raw, upload *attachment.Upload) {
	batch, err := s.validator.Validate(raw)
	if err != nil {
		metrics.Batches.WithLabelValues("rejected").Inc()
		writeError(w, err)
		return
	}

	att, err := s.attachments.Prepare(upload)
	if err != nil {
		metrics.Batches.WithLabelValues("rejected").Inc()
		writeError(w, err)
		return
	}
	batch.Message.Attachment = att

	pool, err := credential.NewPool(batch.Credentials)
	if err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	agg := report.New(len(batch.Recipients))
	for o := range s.dispatcher.Dispatch(r.Context(), batch.Recipients, batch.Message, pool) {
		metrics.RecordOutcome(o)
		if !o.Succeeded() {
			slog.Warn("recipient failed",
				"recipient", o.Recipient,
				"credential", o.Credential,
				"kind", string(o.Kind),
				"attempts", o.Attempts,
				"error", o.Err,
			)
		}
		agg.Observe(o)
	}
	summary := agg.Finalize()

	metrics.Batches.WithLabelValues(metrics.BatchResult(summary.SentSuccessfully, len(batch.Recipients))).Inc()
	metrics.BatchDuration.Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, summary)
}

func parseMultipart(r *http.Request) (request.Raw, *attachment.Upload, func(), error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return request.Raw{}, nil, nil, bodyError(err)
	}
	cleanup := func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Warn("failed to remove multipart temp files", "error", err)
		}
	}

	credField := r.FormValue("smtp_credentials")
	if credField == "" {
		credField = r.FormValue("credentials")
	}
	creds, err := request.CredentialField(credField)
	if err != nil {
		return request.Raw{}, nil, cleanup, err
	}

	rcptField := r.FormValue("emails")
	if rcptField == "" {
		rcptField = r.FormValue("recipients")
	}

	raw := request.Raw{
		Credentials: creds,
		Recipients:  request.RecipientField(rcptField),
		Subject:     r.FormValue("subject"),
		Text:        r.FormValue("text"),
		HTML:        r.FormValue("html"),
	}

	files := r.MultipartForm.File["attachment"]
	switch len(files) {
	case 0:
		return raw, nil, cleanup, nil
	case 1:
	default:
		return request.Raw{}, nil, cleanup, request.Invalid(request.ReasonTooManyAttachments, nil)
	}

	fh := files[0]
	f, err := fh.Open()
	if err != nil {
		return request.Raw{}, nil, cleanup, request.Invalid(request.ReasonInvalidBody, fmt.Errorf("open attachment: %w", err))
	}
	closeFile := func() {
		_ = f.Close()
		cleanup()
	}

	return raw, &attachment.Upload{
		Filename:  fh.Filename,
		MediaType: fh.Header.Get("Content-Type"),
		Body:      f,
	}, closeFile, nil
}

func parseJSON(r *http.Request) (request.Raw, *attachment.Upload, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return request.Raw{}, nil, bodyError(err)
	}

	var raw request.Raw
	if err := json.Unmarshal(body, &raw); err != nil {
		return request.Raw{}, nil, request.Invalid(request.ReasonInvalidBody, err)
	}

	var extra struct {
		Attachment *jsonAttachment `json:"attachment"`
	}
	if err := json.Unmarshal(body, &extra); err != nil {
		return request.Raw{}, nil, request.Invalid(request.ReasonInvalidBody, err)
	}
	if extra.Attachment == nil {
		return raw, nil, nil
	}

	content, err := base64.StdEncoding.DecodeString(extra.Attachment.Content)
	if err != nil {
		return request.Raw{}, nil, request.Invalid(request.ReasonInvalidBody, fmt.Errorf("attachment content: %w", err))
	}
	return raw, &attachment.Upload{
		Filename:  extra.Attachment.Filename,
		MediaType: extra.Attachment.MediaType,
		Body:      bytes.NewReader(content),
	}, nil
}

func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return request.Invalid(request.ReasonBodyTooLarge, err)
	}
	return request.Invalid(request.ReasonInvalidBody, err)
}
