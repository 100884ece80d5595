package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/fiscalsubmission/internal/models"
	"google.golang.org/api/googleapi"
)

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not a failure.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName, contentType string, content []byte) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	// The precondition is usually only evaluated when the upload is finalized.
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// Receipt is the archived record of a successful submission.
type Receipt struct {
	UnitID        string          `json:"unitId"`
	RunID         string          `json:"runId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Recovered     bool            `json:"recovered,omitempty"`
	ArchivedAt    time.Time       `json:"archivedAt"`
	Response      json.RawMessage `json:"response,omitempty"`
}

// ReceiptArchive writes one write-once JSON object per successful submission.
type ReceiptArchive struct {
	bucket *storage.BucketHandle
	prefix string
	now    func() time.Time
}

// NewReceiptArchive returns an archive writing under prefix in bucket.
func NewReceiptArchive(client *storage.Client, bucket, prefix string) *ReceiptArchive {
	return &ReceiptArchive{
		bucket: client.Bucket(bucket),
		prefix: prefix,
		now:    time.Now,
	}
}

// ReceiptObjectName returns {prefix}/{unitId}/{correlationId or runId}.json.
func ReceiptObjectName(prefix, unitID, runID, correlationID string) string {
	name := correlationID
	if name == "" {
		name = runID
	}
	return path.Join(prefix, unitID, name+".json")
}

// Save archives result. A receipt that already exists is left untouched.
func (a *ReceiptArchive) Save(ctx context.Context, unitID, runID string, result models.SubmissionResult) error {
	receipt := Receipt{
		UnitID:        unitID,
		RunID:         runID,
		CorrelationID: result.CorrelationID,
		Recovered:     result.Recovered,
		ArchivedAt:    a.now().UTC(),
		Response:      result.Raw,
	}
	body, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}
	object := ReceiptObjectName(a.prefix, unitID, runID, result.CorrelationID)
	return SaveToGCSAtomically(ctx, a.bucket, object, "application/json", body)
}
