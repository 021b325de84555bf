package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// zipBytes builds an in-memory zip archive from a name->content map.
func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestMaterializeAndFindSourceDir(t *testing.T) {
	data := zipBytes(t, map[string]string{
		"README.md":           "docs",
		"infra/main.tf":       `resource "null_resource" "x" {}`,
		"infra/variables.tf":  "",
		"infra/files/app.txt": "payload",
	})

	dir := t.TempDir()
	if err := Materialize(data, dir); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	found, err := FindSourceDir(dir)
	if err != nil {
		t.Fatalf("FindSourceDir: %v", err)
	}
	if found != filepath.Join(dir, "infra") {
		t.Errorf("FindSourceDir = %q, want %q", found, filepath.Join(dir, "infra"))
	}

	content, err := os.ReadFile(filepath.Join(dir, "infra", "files", "app.txt"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(content) != "payload" {
		t.Errorf("extracted content = %q", content)
	}
}

func TestFindSourceDirNone(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	found, err := FindSourceDir(dir)
	if err != nil {
		t.Fatalf("FindSourceDir: %v", err)
	}
	if found != "" {
		t.Errorf("FindSourceDir = %q, want empty", found)
	}
}

func TestFindSourceDirSkipsHidden(t *testing.T) {
	dir := t.TempDir()
	hidden := filepath.Join(dir, ".terraform")
	if err := os.MkdirAll(hidden, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(hidden, "cached.tf"), []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	found, err := FindSourceDir(dir)
	if err != nil {
		t.Fatalf("FindSourceDir: %v", err)
	}
	if found != "" {
		t.Errorf("FindSourceDir = %q, want empty (hidden dirs skipped)", found)
	}
}

func TestMaterializeRejectsEscapingEntry(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.CreateRaw(&zip.FileHeader{Name: "../escape.txt", Method: zip.Store})
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := f.Write([]byte("x")); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	if err := Materialize(buf.Bytes(), t.TempDir()); err == nil {
		t.Error("Materialize accepted an escaping entry")
	}
}

func TestMaterializeBadArchive(t *testing.T) {
	if err := Materialize([]byte("not a zip"), t.TempDir()); err == nil {
		t.Error("Materialize accepted garbage input")
	}
}

type fakeGetObjectAPI struct {
	bucket, key string
	data        []byte
	err         error
}

func (f *fakeGetObjectAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = *in.Bucket
	f.key = *in.Key
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.data))}, nil
}

func TestFetchS3Path(t *testing.T) {
	fake := &fakeGetObjectAPI{data: []byte("bundle-bytes")}
	s := NewS3Storage(fake)

	data, err := s.Fetch(context.Background(), "s3://bundles/templates/vpc.zip")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "bundle-bytes" {
		t.Errorf("data = %q", data)
	}
	if fake.bucket != "bundles" || fake.key != "templates/vpc.zip" {
		t.Errorf("requested %s/%s", fake.bucket, fake.key)
	}
}

func TestFetchS3Error(t *testing.T) {
	s := NewS3Storage(&fakeGetObjectAPI{err: errors.New("no such key")})
	if _, err := s.Fetch(context.Background(), "s3://bundles/missing.zip"); err == nil {
		t.Error("Fetch: want error")
	}
}

func TestFetchMalformedS3Path(t *testing.T) {
	s := NewS3Storage(&fakeGetObjectAPI{})
	for _, path := range []string{"s3://", "s3://bucketonly", "s3://bucket/"} {
		if _, err := s.Fetch(context.Background(), path); err == nil {
			t.Errorf("Fetch(%q): want error", path)
		}
	}
}

func TestFetchLocalPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.zip")
	if err := os.WriteFile(path, []byte("local"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := NewS3Storage(&fakeGetObjectAPI{})
	data, err := s.Fetch(context.Background(), path)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "local" {
		t.Errorf("data = %q", data)
	}
}
