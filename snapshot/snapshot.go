// Package snapshot takes point-in-time copies of a live records file.
// The source streams a consistent image under its own lock, so snapshots
// never observe a half-applied mutation. Copies can be compressed and
// either written locally (atomically: temp file, then rename) or uploaded
// to an S3-compatible bucket.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Source is anything that can stream a consistent image of itself.
// Both dbaccess.DB and recordsfile.RecordsFile satisfy it.
type Source interface {
	WriteTo(w io.Writer) (int64, error)
}

// Compression selects how snapshot bytes are encoded.
type Compression int

const (
	// ByExt picks compression from the destination extension:
	// .zst for zstd, .br for brotli, anything else raw.
	ByExt Compression = iota
	None
	Zstd
	Brotli
)

func resolve(c Compression, path string) Compression {
	if c != ByExt {
		return c
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst":
		return Zstd
	case ".br":
		return Brotli
	default:
		return None
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func newWriter(w io.Writer, c Compression, path string) (io.WriteCloser, error) {
	switch resolve(c, path) {
	case Zstd:
		return zstd.NewWriter(w)
	case Brotli:
		return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

// Local writes a snapshot of src to dstPath. The bytes go to a temp file
// in the destination directory first and are renamed into place only after
// a successful sync, so dstPath is never left half-written.
func Local(src Source, dstPath string, c Compression) error {
	dir, fName := filepath.Split(dstPath)
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if fName == "" {
		return &os.PathError{Op: "open", Path: dstPath, Err: os.ErrInvalid}
	}
	tmp, err := os.CreateTemp(dir, fName)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	w, err := newWriter(tmp, c, dstPath)
	if err != nil {
		return cleanup(err)
	}
	if _, err = src.WriteTo(w); err != nil {
		return cleanup(fmt.Errorf("snapshot copy: %w", err))
	}
	if err = w.Close(); err != nil {
		return cleanup(fmt.Errorf("finish compression: %w", err))
	}
	if err = tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err = os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Config describes an S3-compatible destination bucket.
type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	Region   string
}

func newClient(ctx context.Context, c *Config) (*minio.Client, error) {
	if c == nil {
		return nil, errors.New("must provide config")
	}
	if c.Access == "" || c.Secret == "" || c.Bucket == "" || c.Endpoint == "" {
		return nil, errors.New("must provide Access, Secret, Bucket and Endpoint")
	}
	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Access, c.Secret, ""),
		Region: c.Region,
		Secure: true,
	})
	if err != nil {
		return nil, err
	}
	found, err := mc.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bucket '%s' doesn't exist", c.Bucket)
	}
	return mc, nil
}

// Upload snapshots src and uploads it to cfg.Bucket under remotePath.
// Compression follows remotePath's extension. The snapshot is spooled
// through a temp file so the source lock is released before the network
// transfer starts. Returns the uploaded object size.
func Upload(ctx context.Context, src Source, cfg *Config, remotePath string) (int64, error) {
	mc, err := newClient(ctx, cfg)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp("", "snapshot")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err = Local(src, tmpPath, resolve(ByExt, remotePath)); err != nil {
		return 0, err
	}

	opts := minio.PutObjectOptions{
		ContentType: mime.TypeByExtension(filepath.Ext(remotePath)),
	}
	info, err := mc.FPutObject(ctx, cfg.Bucket, remotePath, tmpPath, opts)
	if err != nil {
		return 0, fmt.Errorf("upload of snapshot as '%s' failed: %w", remotePath, err)
	}
	return info.Size, nil
}
