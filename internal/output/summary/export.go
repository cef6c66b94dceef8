package summary

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const minioScheme = "minio://"

// ErrInvalidExportTarget 导出目标无法解析
var ErrInvalidExportTarget = errors.New("invalid summary export target")

// MinioOptions 对象存储连接参数
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// Sink receives the encoded summary document.
type Sink interface {
	Put(ctx context.Context, data []byte) error
	String() string
}

// NewSink resolves an export target: a local path, or minio://bucket/key.
func NewSink(target string, opts MinioOptions) (Sink, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("%w: empty target", ErrInvalidExportTarget)
	}
	if !strings.HasPrefix(target, minioScheme) {
		return &FileSink{Path: target}, nil
	}

	bucket, key, ok := strings.Cut(strings.TrimPrefix(target, minioScheme), "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("%w: %q, want minio://bucket/key", ErrInvalidExportTarget, target)
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("%w: minio endpoint is not configured", ErrInvalidExportTarget)
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 minio 客户端失败: %w", err)
	}
	return &MinioSink{client: client, Bucket: bucket, Key: key}, nil
}

// FileSink 写入本地文件
type FileSink struct {
	Path string
}

func (f *FileSink) Put(_ context.Context, data []byte) error {
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建目录失败: %w", err)
		}
	}
	if err := os.WriteFile(f.Path, data, 0o644); err != nil {
		return fmt.Errorf("写入汇总文件失败: %w", err)
	}
	return nil
}

func (f *FileSink) String() string {
	return f.Path
}

// MinioSink 上传到 minio / S3 兼容存储
type MinioSink struct {
	client *minio.Client
	Bucket string
	Key    string
}

func (m *MinioSink) Put(ctx context.Context, data []byte) error {
	_, err := m.client.PutObject(ctx, m.Bucket, m.Key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("上传汇总到 %s 失败: %w", m.String(), err)
	}
	return nil
}

func (m *MinioSink) String() string {
	return minioScheme + m.Bucket + "/" + m.Key
}

// Export encodes s as JSON and hands it to sink.
func Export(ctx context.Context, sink Sink, s *Summary) error {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, s); err != nil {
		return fmt.Errorf("编码汇总失败: %w", err)
	}
	return sink.Put(ctx, buf.Bytes())
}
