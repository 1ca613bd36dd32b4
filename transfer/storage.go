package transfer

import (
	"context"
	"fmt"
	"github.com/minio/minio-go/v7"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore moves artifacts into a directory on local disk.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

func (s *LocalStore) Dir() string {
	return s.dir
}

func (s *LocalStore) Put(_ context.Context, localPath, key string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(localPath, dst); err != nil {
		// cross-device fallback
		if err := copyFile(localPath, dst); err != nil {
			return "", err
		}
		_ = os.Remove(localPath)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// MinioStore uploads artifacts to an object storage bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioStore(client *minio.Client, bucket, prefix string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

func (s *MinioStore) Put(ctx context.Context, localPath, key string) (string, error) {
	objectName := strings.ReplaceAll(filepath.Join(s.prefix, key), "\\", "/")
	opts := minio.PutObjectOptions{ContentType: mime.TypeByExtension(filepath.Ext(key))}
	if _, err := s.client.FPutObject(ctx, s.bucket, objectName, localPath, opts); err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}
	return objectName, nil
}
