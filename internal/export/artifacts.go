package export

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/crypto/blake2b"
)

const presignExpiry = 24 * time.Hour

// ContentKey addresses an export by what it was rendered from. Equal requests map to
// the same key.
func ContentKey(req Request) string {
	var buf bytes.Buffer
	buf.WriteString(string(req.Format))
	buf.WriteByte(0)
	buf.WriteString(req.Title)
	buf.WriteByte(0)
	buf.WriteString(req.HTML)
	buf.WriteByte(0)
	buf.WriteString(req.CSS)
	sum := blake2b.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// Artifacts caches rendered exports.
type Artifacts interface {
	Get(ctx context.Context, draftID, key string, format Format) (*Result, bool, error)
	Put(ctx context.Context, draftID, key string, result *Result) (string, error)
}

// ArtifactStore keeps exports in an S3-compatible bucket.
type ArtifactStore struct {
	client *minio.Client
	bucket string
}

type ArtifactConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewArtifactStore(ctx context.Context, cfg ArtifactConfig) (*ArtifactStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &ArtifactStore{client: client, bucket: cfg.Bucket}, nil
}

func objectName(draftID, key string, format Format) string {
	return "exports/" + url.PathEscape(draftID) + "/" + key + "." + string(format)
}

func (s *ArtifactStore) Get(ctx context.Context, draftID, key string, format Format) (*Result, bool, error) {
	name := objectName(draftID, key, format)
	info, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("stat artifact: %w", err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("get artifact: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, false, fmt.Errorf("read artifact: %w", err)
	}
	link, err := s.presign(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return &Result{
		Data:     data,
		Filename: info.UserMetadata["Filename"],
		MimeType: info.ContentType,
		Key:      key,
		URL:      link,
	}, true, nil
}

func (s *ArtifactStore) Put(ctx context.Context, draftID, key string, result *Result) (string, error) {
	format := FormatDOCX
	if result.MimeType == FormatPDF.MimeType() {
		format = FormatPDF
	}
	name := objectName(draftID, key, format)
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(result.Data), int64(len(result.Data)), minio.PutObjectOptions{
		ContentType:  result.MimeType,
		UserMetadata: map[string]string{"Filename": result.Filename},
	})
	if err != nil {
		return "", fmt.Errorf("put artifact: %w", err)
	}
	return s.presign(ctx, name)
}

func (s *ArtifactStore) presign(ctx context.Context, name string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, name, presignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign artifact: %w", err)
	}
	return u.String(), nil
}
