package storage

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestReportKey(t *testing.T) {
	if got := ReportKey("tok", "../../etc/查驗報告.docx"); got != "reports/tok/查驗報告.docx" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("http://objects.local")
	if err := s.Put(ctx, "reports/a/b.docx", bytes.NewReader([]byte("doc")), 3, "application/x-test"); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, ok := s.Get("reports/a/b.docx")
	if !ok || string(obj.Data) != "doc" || obj.ContentType != "application/x-test" {
		t.Fatalf("unexpected object %+v ok=%v", obj, ok)
	}
	link, err := s.PresignGet(ctx, "reports/a/b.docx", time.Hour)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.HasPrefix(link, "http://objects.local/") || !strings.Contains(link, "expires=3600") {
		t.Fatalf("unexpected link %q", link)
	}
	if err := s.Put(ctx, "k", bytes.NewReader([]byte("ab")), 3, ""); err == nil {
		t.Fatalf("expected size mismatch error")
	}
	if err := s.Delete(ctx, "reports/a/b.docx"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.PresignGet(ctx, "reports/a/b.docx", time.Hour); err == nil {
		t.Fatalf("expected missing object error")
	}
}

func TestNewMinioStoreValidatesConfig(t *testing.T) {
	if _, err := NewMinioStore(context.Background(), MinioConfig{Bucket: "b"}); err == nil {
		t.Fatalf("expected endpoint error")
	}
	if _, err := NewMinioStore(context.Background(), MinioConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected bucket error")
	}
}
