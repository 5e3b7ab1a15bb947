package upstream

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// File kinds accepted by the chat endpoint.
const (
	FileTypeImage    = "image"
	FileTypeAudio    = "audio"
	FileTypeVideo    = "video"
	FileTypeDocument = "document"
)

// FileTypeFromMIME maps a MIME type onto the service's file kinds.
func FileTypeFromMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return FileTypeImage
	case strings.HasPrefix(mime, "audio/"):
		return FileTypeAudio
	case strings.HasPrefix(mime, "video/"):
		return FileTypeVideo
	default:
		return FileTypeDocument
	}
}

// UploadedFile is the decoded answer of a file upload.
type UploadedFile struct {
	ID         string
	Name       string
	MimeType   string
	Size       int64
	PreviewURL string
	// Raw is the upstream JSON as received.
	Raw []byte
}

// UploadFile streams one file to POST /files/upload under the form field
// "file". The id is read tolerantly from id, file_id or data.id; an answer
// carrying none of them is reported as an *Error.
func (c *Client) UploadFile(ctx context.Context, user, filename, contentType string, r io.Reader) (*UploadedFile, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.upload", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("file.content_type", contentType))

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUploadForm(mw, user, filename, contentType, r)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/files/upload", pr)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.send(c.http, "upload", req)
	_ = pr.Close()
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	id := firstString(body, "id", "file_id", "data.id")
	if id == "" {
		err := &Error{Op: "upload", Status: resp.StatusCode, Body: string(body)}
		recordErr(span, err)
		return nil, err
	}
	f := &UploadedFile{
		ID:         id,
		Name:       firstString(body, "name", "data.name"),
		MimeType:   firstString(body, "mime_type", "data.mime_type"),
		Size:       firstInt(body, "size", "data.size"),
		PreviewURL: firstString(body, "preview_url", "source_url", "previewUrl"),
		Raw:        body,
	}
	if f.Name == "" {
		f.Name = filename
	}
	if f.MimeType == "" {
		f.MimeType = contentType
	}
	if f.PreviewURL == "" {
		f.PreviewURL = c.baseURL + "/files/" + url.PathEscape(id) + "/preview"
	}
	return f, nil
}

func writeUploadForm(mw *multipart.Writer, user, filename, contentType string, r io.Reader) error {
	if user != "" {
		if err := mw.WriteField("user", user); err != nil {
			return err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+escapeQuotes(filename)+`"`)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, r)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// DeleteFile removes an uploaded file.
func (c *Client) DeleteFile(ctx context.Context, id, user string) error {
	path := "/files/" + url.PathEscape(id)
	if user != "" {
		path += "?user=" + url.QueryEscape(user)
	}
	_, err := c.doJSON(ctx, "delete_file", http.MethodDelete, path, nil)
	return err
}

