package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/pkg/logger"
)

// Archiver 原始消息文件归档
type Archiver interface {
	Archive(ctx context.Context, meta Meta, file string) (StoredObject, error)
}

// Meta 归档元数据
type Meta struct {
	Host    string
	Process string
	// Date YYYYMMDD，为空取当天
	Date string
}

// StoredObject 归档结果
type StoredObject struct {
	URI      string
	Size     int64
	Checksum string
}

func (m Meta) dir() []string {
	date := strings.TrimSpace(m.Date)
	if date == "" {
		date = time.Now().Format("20060102")
	}
	parts := []string{}
	for _, p := range []string{m.Host, m.Process} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return append(parts, date)
}

// New 根据配置创建归档器（委派到本地或 MinIO）
func New(cfg config.StorageConfig) Archiver {
	dw := &DelegatingArchiver{backend: strings.ToLower(strings.TrimSpace(cfg.Backend)), local: &LocalArchiver{cfg: cfg.Local}}
	if dw.backend == "minio" {
		dw.minio = newMinioArchiver(cfg.Minio)
	}
	return dw
}

// DelegatingArchiver 按后端路由，MinIO 失败时回退本地
type DelegatingArchiver struct {
	backend string
	local   *LocalArchiver
	minio   *MinioArchiver
}

func (a *DelegatingArchiver) Archive(ctx context.Context, meta Meta, file string) (StoredObject, error) {
	if a.backend != "minio" {
		return a.local.Archive(ctx, meta, file)
	}
	if a.minio == nil {
		logger.Warn("MinIO backend selected but client not initialized; falling back to local")
		obj, err := a.local.Archive(ctx, meta, file)
		if err != nil {
			return StoredObject{}, fmt.Errorf("minio client not initialized; local fallback failed: %w", err)
		}
		return obj, nil
	}
	obj, err := a.minio.Archive(ctx, meta, file)
	if err != nil {
		logger.WithField("error", err).Warn("MinIO archive failed; falling back to local")
		objLocal, lerr := a.local.Archive(ctx, meta, file)
		if lerr != nil {
			return StoredObject{}, fmt.Errorf("minio archive failed: %v; local fallback failed: %w", err, lerr)
		}
		return objLocal, nil
	}
	return obj, nil
}

// LocalArchiver 拷贝到本地归档目录
type LocalArchiver struct {
	cfg config.LocalStorageConfig
}

func (a *LocalArchiver) Archive(ctx context.Context, meta Meta, file string) (StoredObject, error) {
	baseDir := strings.TrimSpace(a.cfg.BaseDir)
	if baseDir == "" {
		baseDir = "./data/archive"
	}
	dirPath := filepath.Join(append([]string{baseDir}, meta.dir()...)...)
	if a.cfg.MkdirIfMissing {
		if err := os.MkdirAll(dirPath, 0o755); err != nil {
			return StoredObject{}, fmt.Errorf("failed to create dir: %w", err)
		}
	}

	src, err := os.Open(file)
	if err != nil {
		return StoredObject{}, fmt.Errorf("open %s: %w", file, err)
	}
	defer src.Close()

	fullPath := filepath.Join(dirPath, filepath.Base(file))
	dst, err := os.Create(fullPath)
	if err != nil {
		return StoredObject{}, fmt.Errorf("failed to create file: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return StoredObject{}, fmt.Errorf("failed to write file: %w", err)
	}
	return StoredObject{
		URI:      "file://" + fullPath,
		Size:     n,
		Checksum: "sha256:" + hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// MinioArchiver 上传到 MinIO
type MinioArchiver struct {
	cfg           config.MinioConfig
	client        *minio.Client
	endpoint      string
	bucketEnsured bool
}

// newMinioArchiver 初始化客户端并做一次 bucket 校验，失败不影响初始化
func newMinioArchiver(cfg config.MinioConfig) *MinioArchiver {
	host := strings.TrimSpace(cfg.Host)
	if host == "" || cfg.Port <= 0 {
		logger.Warn("MinIO configuration incomplete; host/port missing")
		return nil
	}
	endpoint := fmt.Sprintf("%s:%d", host, cfg.Port)

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   16,
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.Secure,
		Transport: transport,
	})
	if err != nil {
		logger.WithField("error", err).Error("MinIO client initialization failed")
		return nil
	}

	a := &MinioArchiver{cfg: cfg, client: client, endpoint: endpoint}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		logger.Warn("MinIO bucket not configured")
		return a
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.ensureBucket(ctx, bucket, 2); err != nil {
		logger.WithField("error", err).Warn("MinIO bucket ensure at init failed")
	} else {
		a.bucketEnsured = true
	}
	return a
}

// ObjectName 归档对象名：prefix/host/process/YYYYMMDD/file
func (a *MinioArchiver) ObjectName(meta Meta, file string) string {
	parts := []string{}
	if p := strings.Trim(strings.TrimSpace(a.cfg.Prefix), "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, meta.dir()...)
	return path.Join(append(parts, filepath.Base(file))...)
}

func (a *MinioArchiver) Archive(ctx context.Context, meta Meta, file string) (StoredObject, error) {
	bucket := strings.TrimSpace(a.cfg.Bucket)
	if bucket == "" {
		return StoredObject{}, fmt.Errorf("minio bucket not configured")
	}
	if err := a.fastConnectivityCheck(ctx); err != nil {
		return StoredObject{}, fmt.Errorf("minio connectivity failed to %s: %w", a.endpoint, err)
	}
	if !a.bucketEnsured {
		if err := a.ensureBucket(ctx, bucket, 3); err != nil {
			return StoredObject{}, fmt.Errorf("minio ensure bucket failed: %w", err)
		}
		a.bucketEnsured = true
	}

	objectName := a.ObjectName(meta, file)
	var info minio.UploadInfo
	var lastErr error
	for _, wait := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		attemptCtx, cancel := attemptContext(ctx, 30*time.Second)
		info, lastErr = a.client.FPutObject(attemptCtx, bucket, objectName, file,
			minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
		cancel()
		if lastErr == nil {
			break
		}
		time.Sleep(wait)
	}
	if lastErr != nil {
		return StoredObject{}, fmt.Errorf("minio put object failed after retries: %w", lastErr)
	}
	return StoredObject{
		URI:      "minio://" + path.Join(bucket, objectName),
		Size:     info.Size,
		Checksum: info.ETag,
	}, nil
}

func (a *MinioArchiver) fastConnectivityCheck(parent context.Context) error {
	d := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(parent, "tcp", a.endpoint)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ensureBucket 校验并创建 bucket，有限重试
func (a *MinioArchiver) ensureBucket(parent context.Context, bucket string, retries int) error {
	var lastErr error
	for i := 0; i <= retries; i++ {
		ctx, cancel := attemptContext(parent, 10*time.Second)
		exists, err := a.client.BucketExists(ctx, bucket)
		cancel()
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		if exists {
			return nil
		}
		ctx2, cancel2 := attemptContext(parent, 10*time.Second)
		err = a.client.MakeBucket(ctx2, bucket, minio.MakeBucketOptions{})
		cancel2()
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("bucket ensure failed for %s", bucket)
}

// attemptContext 限时上下文，不超过父上下文剩余时间
func attemptContext(parent context.Context, prefer time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok {
		remain := time.Until(deadline)
		if remain > time.Second && prefer < remain {
			return context.WithTimeout(parent, prefer)
		}
		if remain > time.Second {
			return context.WithTimeout(parent, remain-time.Second)
		}
		return context.WithTimeout(parent, time.Second)
	}
	return context.WithTimeout(parent, prefer)
}
