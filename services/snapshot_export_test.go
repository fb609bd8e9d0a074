package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	bucket, key, contentType string
	body                     []byte
	err                      error
}

func (p *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.bucket = aws.ToString(in.Bucket)
	p.key = aws.ToString(in.Key)
	p.contentType = aws.ToString(in.ContentType)
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	p.body = b
	return &s3.PutObjectOutput{}, nil
}

func TestSnapshotKey(t *testing.T) {
	got := SnapshotKey("User 42", testEpoch)
	want := "achievement-snapshots/user-42/1740830400.json"
	if got != want {
		t.Errorf("SnapshotKey = %s, want %s", got, want)
	}
}

func TestSnapshotExport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.reviews.set("u1", 1)
	if _, err := env.facade.SyncOnView(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	putter := &fakePutter{}
	exp := NewSnapshotExporter(putter, "snapshots", "https://cdn.example.com/", env.facade, env.clock)
	url, err := exp.Export(ctx, "u1")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	wantKey := SnapshotKey("u1", testEpoch)
	if putter.bucket != "snapshots" || putter.key != wantKey || putter.contentType != "application/json" {
		t.Errorf("put bucket=%s key=%s type=%s", putter.bucket, putter.key, putter.contentType)
	}
	if url != "https://cdn.example.com/"+wantKey {
		t.Errorf("url = %s", url)
	}

	var doc ExportDocument
	if err := json.Unmarshal(putter.body, &doc); err != nil {
		t.Fatalf("body: %v", err)
	}
	if doc.UserID != "u1" || len(doc.Achievements) != env.eval.Catalog.Len() {
		t.Errorf("document user=%s achievements=%d", doc.UserID, len(doc.Achievements))
	}
	if doc.Summary == nil || doc.Summary.TotalPoints != 10 {
		t.Errorf("document summary = %+v", doc.Summary)
	}
}

func TestSnapshotExportErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var nilExporter *SnapshotExporter
	if _, err := nilExporter.Export(ctx, "u1"); !errors.Is(err, ErrExportDisabled) {
		t.Errorf("nil exporter error = %v", err)
	}
	if _, err := NewSnapshotExporter(&fakePutter{}, "", "", env.facade, env.clock).Export(ctx, "u1"); !errors.Is(err, ErrExportDisabled) {
		t.Errorf("no bucket error = %v", err)
	}

	failing := NewSnapshotExporter(&fakePutter{err: errBoom}, "b", "https://cdn", env.facade, env.clock)
	if _, err := failing.Export(ctx, "u1"); !errors.Is(err, errBoom) {
		t.Errorf("upload error = %v", err)
	}
}

func TestSchedulerReconcileStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.facade.SyncOnView(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	sched := NewScheduler(env.facade, DefaultIntegrityWindow, 10, DefaultAppTimeFlushInterval, env.clock)

	if n := sched.ReconcileStale(ctx); n != 0 {
		t.Errorf("fresh user reconciled: %d", n)
	}

	env.clock.Advance(2 * DefaultIntegrityWindow)
	env.reviews.set("u1", 3)
	if n := sched.ReconcileStale(ctx); n != 1 {
		t.Fatalf("ReconcileStale = %d, want 1", n)
	}
	rec, err := env.store.load(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.TotalReviews != 3 {
		t.Errorf("TotalReviews = %d, want 3 after reconciliation", rec.TotalReviews)
	}
	if n := sched.ReconcileStale(ctx); n != 0 {
		t.Errorf("second pass reconciled %d users", n)
	}
}

func TestSchedulerSkipsInactiveUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.facade.SyncOnView(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(ActiveWindow + DefaultIntegrityWindow)

	sched := NewScheduler(env.facade, DefaultIntegrityWindow, 10, DefaultAppTimeFlushInterval, env.clock)
	if n := sched.ReconcileStale(ctx); n != 0 {
		t.Errorf("inactive user reconciled: %d", n)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	env := newTestEnv(t)
	sched := NewScheduler(env.facade, DefaultIntegrityWindow, 10, DefaultAppTimeFlushInterval, env.clock)
	if err := sched.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sched.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
