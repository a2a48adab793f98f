// Package remote writes queued operations to the remote document store.
package remote

import (
	"context"
	"errors"

	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
)

// Writer applies one operation to the remote store. Any error counts as a failed attempt.
type Writer interface {
	Write(ctx context.Context, kind models.OperationKind, collection string, payload map[string]interface{}) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, kind models.OperationKind, collection string, payload map[string]interface{}) error

// Write calls f.
func (f WriterFunc) Write(ctx context.Context, kind models.OperationKind, collection string, payload map[string]interface{}) error {
	return f(ctx, kind, collection, payload)
}

// documentID extracts the id updates and deletes address.
func documentID(kind models.OperationKind, payload map[string]interface{}) (string, error) {
	rec := models.OperationRecord{Payload: payload}
	id, ok := rec.DocumentID()
	if !ok {
		return "", apperrors.Newf(apperrors.ErrInvalid, "%s requires an id in the payload", kind)
	}
	return id, nil
}

// wrapWriteErr classifies err, keeping deadline expiry distinct for diagnostics.
func wrapWriteErr(ctx context.Context, msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, msg, err)
	}
	return apperrors.Wrap(apperrors.ErrRemoteWrite, msg, err)
}
