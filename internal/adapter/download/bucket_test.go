package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cwygoda/fetcher/internal/domain"
)

// memStore is an in-memory domain.ObjectStore keyed by bucket then key.
type memStore struct {
	objects map[string]map[string][]byte
}

func (m *memStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, ok := m.objects[bucket]
	return ok, nil
}
func (m *memStore) MakeBucket(ctx context.Context, bucket string) error {
	m.objects[bucket] = map[string][]byte{}
	return nil
}
func (m *memStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[bucket][key] = data
	return nil
}
func (m *memStore) FPutObject(ctx context.Context, bucket, key, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.objects[bucket][key] = data
	return nil
}
func (m *memStore) StatObject(ctx context.Context, bucket, key string) (domain.ObjectInfo, error) {
	data, ok := m.objects[bucket][key]
	if !ok {
		return domain.ObjectInfo{}, domain.ErrObjectNotFound
	}
	return domain.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}
func (m *memStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	data, ok := m.objects[bucket][key]
	if !ok {
		return nil, domain.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
func (m *memStore) FGetObject(ctx context.Context, bucket, key, path string) error {
	data, ok := m.objects[bucket][key]
	if !ok {
		return domain.ErrObjectNotFound
	}
	return os.WriteFile(path, data, 0644)
}
func (m *memStore) ListObjects(ctx context.Context, bucket, prefix string) ([]domain.ObjectInfo, error) {
	var out []domain.ObjectInfo
	for k, v := range m.objects[bucket] {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}
func (m *memStore) RemoveObjects(ctx context.Context, bucket string, keys []string) error {
	for _, k := range keys {
		delete(m.objects[bucket], k)
	}
	return nil
}
func (m *memStore) RemoveBucket(ctx context.Context, bucket string) error {
	delete(m.objects, bucket)
	return nil
}

func TestParseBucketURI(t *testing.T) {
	src, err := ParseBucketURI("bucket://s3.example.com,media,AK,SK,shows/konosuba/")
	if err != nil {
		t.Fatalf("ParseBucketURI() error = %v", err)
	}
	want := BucketSource{Endpoint: "s3.example.com", Bucket: "media", AccessKey: "AK", SecretKey: "SK", SubFolder: "shows/konosuba/"}
	if src != want {
		t.Errorf("ParseBucketURI() = %+v, want %+v", src, want)
	}
	if src.Prefix() != "shows/konosuba/" {
		t.Errorf("Prefix() = %q", src.Prefix())
	}

	for _, bad := range []string{"bucket://a,b,c", "bucket://,b,c,d,e", "bucket://a,,c,d,e"} {
		if _, err := ParseBucketURI(bad); !errors.Is(err, domain.ErrInvalidDescriptor) {
			t.Errorf("ParseBucketURI(%q) error = %v, want ErrInvalidDescriptor", bad, err)
		}
	}
}

func TestBucketDownloader_MirrorsSubFolder(t *testing.T) {
	store := &memStore{objects: map[string]map[string][]byte{
		"media": {
			"shows/konosuba/S1/E1.mkv":  []byte("e1"),
			"shows/konosuba/S1/":        nil,
			"shows/konosuba/poster.jpg": []byte("jpg"),
			"shows/other/E1.mkv":        []byte("nope"),
		},
	}}
	var opened []string
	d := NewBucketDownloader(func(ctx context.Context, endpoint, ak, sk string) (domain.ObjectStore, error) {
		opened = append(opened, endpoint+"|"+ak+"|"+sk)
		return store, nil
	})

	dest := t.TempDir()
	if err := d.Download(context.Background(), "bucket://minio:9000,media,AK,SK,shows/konosuba", "job", dest); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	if len(opened) != 1 || opened[0] != "minio:9000|AK|SK" {
		t.Errorf("factory calls = %v", opened)
	}
	if data, err := os.ReadFile(filepath.Join(dest, "S1", "E1.mkv")); err != nil || string(data) != "e1" {
		t.Errorf("S1/E1.mkv = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dest, "poster.jpg")); err != nil {
		t.Errorf("poster.jpg missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "E1.mkv")); !os.IsNotExist(err) {
		t.Error("object outside the sub-folder was downloaded")
	}
}

func TestBucketDownloader_RejectsEscapingKeys(t *testing.T) {
	store := &memStore{objects: map[string]map[string][]byte{
		"media": {"sub/../../escape.mkv": []byte("x")},
	}}
	d := NewBucketDownloader(func(ctx context.Context, endpoint, ak, sk string) (domain.ObjectStore, error) {
		return store, nil
	})

	err := d.Download(context.Background(), "bucket://e,media,a,s,sub", "job", t.TempDir())
	if !errors.Is(err, domain.ErrInvalidDescriptor) {
		t.Errorf("Download() error = %v, want ErrInvalidDescriptor", err)
	}
}

func TestBucketDownloader_FactoryError(t *testing.T) {
	d := NewBucketDownloader(func(ctx context.Context, endpoint, ak, sk string) (domain.ObjectStore, error) {
		return nil, errors.New("bad credentials")
	})
	if err := d.Download(context.Background(), "bucket://e,media,a,s,sub", "job", t.TempDir()); err == nil {
		t.Error("Download() error = nil, want factory error")
	}
}
