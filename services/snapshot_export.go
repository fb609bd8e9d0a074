// services/snapshot_export.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"achievement-sync-service/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gosimple/slug"
	"github.com/jonboulle/clockwork"
)

var ErrExportDisabled = errors.New("snapshot export is not configured")

// ObjectPutter is the slice of the S3 client the exporter needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ExportDocument is what lands in the bucket.
type ExportDocument struct {
	UserID       string                         `json:"user_id"`
	ExportedAt   time.Time                      `json:"exported_at"`
	Counters     *models.ProgressCounters       `json:"counters"`
	Achievements []models.AchievementProgress   `json:"achievements"`
	Summary      *models.UserAchievementSummary `json:"summary"`
}

// SnapshotExporter writes a user's achievement state to R2 for support and
// audit.
type SnapshotExporter struct {
	Client  ObjectPutter
	Bucket  string
	CDNBase string
	Facade  *SyncFacade
	Clock   clockwork.Clock
}

func NewSnapshotExporter(client ObjectPutter, bucket, cdnBase string, facade *SyncFacade, clock clockwork.Clock) *SnapshotExporter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SnapshotExporter{
		Client:  client,
		Bucket:  bucket,
		CDNBase: strings.TrimRight(cdnBase, "/"),
		Facade:  facade,
		Clock:   clock,
	}
}

// SnapshotKey is the object key for an export taken at ts.
func SnapshotKey(userID string, ts time.Time) string {
	return fmt.Sprintf("achievement-snapshots/%s/%d.json", slug.Make(userID), ts.Unix())
}

// Export reads the user's current state through the facade read accessors
// and uploads it. Returns the public URL.
func (e *SnapshotExporter) Export(ctx context.Context, userID string) (string, error) {
	if e == nil || e.Client == nil || e.Bucket == "" {
		return "", ErrExportDisabled
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}

	counters, err := e.Facade.Progress(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("read counters: %w", err)
	}
	records, err := e.Facade.Achievements(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("read achievements: %w", err)
	}
	summary, err := e.Facade.Summary(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("read summary: %w", err)
	}

	now := e.Clock.Now()
	body, err := json.Marshal(ExportDocument{
		UserID:       userID,
		ExportedAt:   models.StorageTime(now),
		Counters:     counters,
		Achievements: records,
		Summary:      summary,
	})
	if err != nil {
		return "", err
	}

	key := SnapshotKey(userID, now)
	_, err = e.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}

	url := fmt.Sprintf("%s/%s", e.CDNBase, key)
	log.Printf("[EXPORT] ✅ Snapshot for %s → %s", userID, url)
	return url, nil
}
