package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/richinsley/comfy2video/client"
	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

var uniqueNamePattern = regexp.MustCompile(`^input_[0-9A-HJKMNP-TV-Z]{26}\.png$`)

func TestDirMaterializer(t *testing.T) {
	dir := t.TempDir()
	m := NewDirMaterializer(NewResolver(), dir, "", nil)
	src := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)

	name, err := m.Materialize(context.Background(), src)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !uniqueNamePattern.MatchString(name) {
		t.Errorf("unexpected name %q", name)
	}
	got, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read materialized file: %v", err)
	}
	if string(got) != string(pngBytes) {
		t.Error("materialized bytes differ")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the final file, found %d entries", len(entries))
	}
}

func TestDirMaterializerConcurrentNamesAreUnique(t *testing.T) {
	dir := t.TempDir()
	m := NewDirMaterializer(NewResolver(), dir, "input", nil)
	src := base64.StdEncoding.EncodeToString(pngBytes)

	const n = 20
	var wg sync.WaitGroup
	names := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := m.Materialize(context.Background(), src)
			if err != nil {
				t.Errorf("Materialize: %v", err)
				return
			}
			names <- name
		}()
	}
	wg.Wait()
	close(names)

	seen := make(map[string]bool)
	for name := range names {
		if seen[name] {
			t.Errorf("duplicate name %q", name)
		}
		seen[name] = true
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != n {
		t.Errorf("expected %d files, got %d", n, len(entries))
	}
}

func TestDirMaterializerPropagatesDecodeError(t *testing.T) {
	m := NewDirMaterializer(NewResolver(), t.TempDir(), "", nil)
	_, err := m.Materialize(context.Background(), "data:image/png;base64,%%%")
	if !errors.IsCode(err, errors.CodeDecode) {
		t.Errorf("expected DECODE_ERROR, got %v", err)
	}
}

func TestDirMaterializerRejectsNonImage(t *testing.T) {
	dir := t.TempDir()
	m := NewDirMaterializer(NewResolver(), dir, "", nil)
	_, err := m.Materialize(context.Background(), base64.StdEncoding.EncodeToString([]byte("plain text payload")))
	if !errors.IsCode(err, errors.CodeDecode) {
		t.Fatalf("expected DECODE_ERROR, got %v", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("expected no files written, found %d", len(entries))
	}
}

type fakeUploader struct {
	mu    sync.Mutex
	names []string
	data  [][]byte
	err   error
}

func (f *fakeUploader) UploadFileFromReader(_ context.Context, r io.Reader, filename string, overwrite bool, filetype client.ImageType, subfolder string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	b, _ := io.ReadAll(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, filename)
	f.data = append(f.data, b)
	if overwrite || filetype != client.InputImageType {
		return "", fmt.Errorf("unexpected upload flags")
	}
	if subfolder != "" {
		return subfolder + "/" + filename, nil
	}
	return filename, nil
}

func TestUploadMaterializer(t *testing.T) {
	up := &fakeUploader{}
	m := NewUploadMaterializer(NewResolver(), up, "", "jobs", nil)

	name, err := m.Materialize(context.Background(), base64.StdEncoding.EncodeToString(pngBytes))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(up.names) != 1 || !uniqueNamePattern.MatchString(up.names[0]) {
		t.Fatalf("unexpected uploads %v", up.names)
	}
	if name != "jobs/"+up.names[0] {
		t.Errorf("expected engine-chosen name, got %q", name)
	}
	if string(up.data[0]) != string(pngBytes) {
		t.Error("uploaded bytes differ")
	}

	failing := NewUploadMaterializer(NewResolver(), &fakeUploader{err: fmt.Errorf("connection refused")}, "", "", nil)
	if _, err := failing.Materialize(context.Background(), base64.StdEncoding.EncodeToString(pngBytes)); !errors.IsCode(err, errors.CodeUpload) {
		t.Errorf("expected UPLOAD_ERROR, got %v", err)
	}
}
