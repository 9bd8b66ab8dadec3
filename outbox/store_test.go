package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"murmur/orchestrator"
)

type fakeUploader struct {
	paths []string
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, path string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.paths = append(f.paths, path)
	return "s3://bucket/voice/" + filepath.Base(path), nil
}

func openStore(t *testing.T, dir string, u Uploader) *Store {
	t.Helper()
	s, err := Open(dir, u)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func voiceDraft(id string, at time.Time) orchestrator.DraftMessage {
	return orchestrator.DraftMessage{
		ID: id,
		Recording: &orchestrator.Take{
			Duration: 2500 * time.Millisecond,
			Samples:  []float64{0.125, 0.5, 1},
			Path:     "/tmp/rec/" + id + ".flac",
		},
		ReplyTo:     "msg-7",
		Attachments: []string{"img-1", "img-2"},
		CreatedAt:   at,
	}
}

func TestOpenSetsSchemaVersion(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s := openStore(t, dir, nil)

	v, err := userVersion(s.db)
	if err != nil {
		t.Fatal(err)
	}
	if v != CurrentSchemaVersion {
		t.Errorf("user_version = %d, want %d", v, CurrentSchemaVersion)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("data dir perm = %o, want 700", perm)
	}
}

func TestDeliverVoiceRoundTrip(t *testing.T) {
	u := &fakeUploader{}
	s := openStore(t, t.TempDir(), u)
	ctx := context.Background()
	at := time.UnixMilli(1_760_000_000_000)

	if err := s.Deliver(ctx, voiceDraft("01A", at)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(u.paths) != 1 || u.paths[0] != "/tmp/rec/01A.flac" {
		t.Fatalf("uploaded %v", u.paths)
	}

	d, err := s.Get(ctx, "01A")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !d.Voice() || d.Delivered() {
		t.Errorf("voice=%v delivered=%v", d.Voice(), d.Delivered())
	}
	if d.Duration != 2500*time.Millisecond {
		t.Errorf("duration = %v", d.Duration)
	}
	if d.AudioURL != "s3://bucket/voice/01A.flac" {
		t.Errorf("audio url = %q", d.AudioURL)
	}
	if len(d.Samples) != 3 || d.Samples[2] != 1 {
		t.Errorf("samples = %v", d.Samples)
	}
	if d.ReplyTo != "msg-7" || len(d.Attachments) != 2 || d.Attachments[1] != "img-2" {
		t.Errorf("context = %q %v", d.ReplyTo, d.Attachments)
	}
	if !d.CreatedAt.Equal(at) {
		t.Errorf("created = %v, want %v", d.CreatedAt, at)
	}
}

func TestDeliverTextDraftSkipsUpload(t *testing.T) {
	u := &fakeUploader{}
	s := openStore(t, t.TempDir(), u)
	ctx := context.Background()

	err := s.Deliver(ctx, orchestrator.DraftMessage{ID: "01B", Text: "hello there", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(u.paths) != 0 {
		t.Errorf("text draft uploaded %v", u.paths)
	}
	d, err := s.Get(ctx, "01B")
	if err != nil {
		t.Fatal(err)
	}
	if d.Voice() || d.Text != "hello there" || d.Samples != nil || d.Attachments != nil {
		t.Errorf("draft = %+v", d)
	}
}

func TestUploadFailureStoresNothing(t *testing.T) {
	boom := errors.New("bucket unreachable")
	s := openStore(t, t.TempDir(), &fakeUploader{err: boom})
	ctx := context.Background()

	err := s.Deliver(ctx, voiceDraft("01C", time.Now()))
	if !errors.Is(err, boom) {
		t.Fatalf("Deliver err = %v, want %v", err, boom)
	}
	if _, err := s.Get(ctx, "01C"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after failed upload = %v, want ErrNotFound", err)
	}
}

func TestDeliverDuplicate(t *testing.T) {
	s := openStore(t, t.TempDir(), nil)
	ctx := context.Background()
	d := orchestrator.DraftMessage{ID: "01D", Text: "x", CreatedAt: time.Now()}
	if err := s.Deliver(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := s.Deliver(ctx, d); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Deliver = %v, want ErrDuplicate", err)
	}
}

func TestListAndMarkDelivered(t *testing.T) {
	s := openStore(t, t.TempDir(), nil)
	ctx := context.Background()
	base := time.UnixMilli(1_760_000_000_000)
	for i, id := range []string{"01E", "01F", "01G"} {
		d := orchestrator.DraftMessage{ID: id, Text: id, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.Deliver(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "01G" || all[2].ID != "01E" {
		t.Fatalf("List order = %v", ids(all))
	}

	if err := s.MarkDelivered(ctx, "01F"); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	first, _ := s.Get(ctx, "01F")
	if err := s.MarkDelivered(ctx, "01F"); err != nil {
		t.Fatalf("second MarkDelivered: %v", err)
	}
	again, _ := s.Get(ctx, "01F")
	if !first.Delivered() || !again.DeliveredAt.Equal(first.DeliveredAt) {
		t.Errorf("delivered_at moved: %v -> %v", first.DeliveredAt, again.DeliveredAt)
	}

	pending, err := s.List(ctx, ListOptions{Pending: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(pending); len(got) != 2 || got[0] != "01G" || got[1] != "01E" {
		t.Errorf("pending = %v", got)
	}

	limited, err := s.List(ctx, ListOptions{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != "01G" {
		t.Errorf("limited = %v", ids(limited))
	}

	if err := s.MarkDelivered(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkDelivered(nope) = %v", err)
	}
}

func TestStorePersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Deliver(ctx, voiceDraft("01H", time.Now())); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s = openStore(t, dir, nil)
	d, err := s.Get(ctx, "01H")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if d.AudioURL != "" {
		t.Errorf("audio url without uploader = %q", d.AudioURL)
	}
}

func ids(ds []Draft) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
