package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
)

// HTTPWriter writes to a REST document API:
//
//	create  POST   {base}/{collection}
//	update  PATCH  {base}/{collection}/{id}
//	delete  DELETE {base}/{collection}/{id}
//
// Deletes are idempotent: a 404 means the document is already gone, so the delete
// counts as applied. This is the only status that does not count as a failure.
// All other non-2xx answers, 404 on create or update included, fail the write and are
// retried like any other error.
type HTTPWriter struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPWriter creates a writer. A nil client uses http.DefaultClient;
// per-call deadlines come from the context.
func NewHTTPWriter(baseURL, token string, client *http.Client) *HTTPWriter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPWriter{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// Write sends one request and checks the status.
func (w *HTTPWriter) Write(ctx context.Context, kind models.OperationKind, collection string, payload map[string]interface{}) error {
	if collection == "" {
		return apperrors.New(apperrors.ErrInvalid, "collection is required")
	}

	var (
		method string
		target = w.baseURL + "/" + url.PathEscape(collection)
		body   io.Reader
	)

	switch kind {
	case models.KindCreate:
		method = http.MethodPost
	case models.KindUpdate:
		method = http.MethodPatch
	case models.KindDelete:
		method = http.MethodDelete
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown operation kind %q", kind)
	}

	if kind != models.KindCreate {
		id, err := documentID(kind, payload)
		if err != nil {
			return err
		}
		target += "/" + url.PathEscape(id)
	}
	if kind != models.KindDelete {
		data, err := json.Marshal(payload)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "payload is not serializable", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteWrite, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return wrapWriteErr(ctx, fmt.Sprintf("%s %s failed", method, collection), err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if kind == models.KindDelete && resp.StatusCode == http.StatusNotFound {
		// idempotent delete
		return nil
	}
	return apperrors.Newf(apperrors.ErrRemoteWrite, "%s %s: %s: %s",
		method, collection, resp.Status, strings.TrimSpace(string(snippet)))
}
