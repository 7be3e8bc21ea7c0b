// Package blob stores uploaded images in an S3-compatible bucket.
package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Options struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	UseSSL        bool
	PublicBaseURL string // empty = <scheme>://<endpoint>/<bucket>
	// PublicPrefix is the key prefix granted anonymous read access.
	PublicPrefix  string
}

type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// NewMinioStore connects to the endpoint, creates the bucket when it does
// not exist yet and makes objects under PublicPrefix anonymously readable.
func NewMinioStore(ctx context.Context, opts Options) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	policy, err := readOnlyPolicy(opts.Bucket, opts.PublicPrefix)
	if err != nil {
		return nil, err
	}
	if err := client.SetBucketPolicy(ctx, opts.Bucket, policy); err != nil {
		return nil, fmt.Errorf("set bucket policy %s: %w", opts.Bucket, err)
	}

	return &MinioStore{client: client, bucket: opts.Bucket, baseURL: baseURL(opts)}, nil
}

type policyStatement struct {
	Effect    string              `json:"Effect"`
	Principal map[string][]string `json:"Principal"`
	Action    []string            `json:"Action"`
	Resource  []string            `json:"Resource"`
}

type bucketPolicy struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// readOnlyPolicy grants anonymous GetObject on bucket/prefix/*.
func readOnlyPolicy(bucket, prefix string) (string, error) {
	resource := "arn:aws:s3:::" + bucket + "/*"
	if prefix = strings.Trim(prefix, "/ "); prefix != "" {
		resource = "arn:aws:s3:::" + bucket + "/" + prefix + "/*"
	}
	raw, err := json.Marshal(bucketPolicy{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: map[string][]string{"AWS": {"*"}},
			Action:    []string{"s3:GetObject"},
			Resource:  []string{resource},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("encode bucket policy: %w", err)
	}
	return string(raw), nil
}

// Put uploads body under key and returns its public URL.
func (s *MinioStore) Put(ctx context.Context, key, contentType string, size int64, body io.Reader) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return ObjectURL(s.baseURL, key), nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func baseURL(opts Options) string {
	if base := strings.TrimSpace(opts.PublicBaseURL); base != "" {
		return strings.TrimRight(base, "/")
	}
	scheme := "http"
	if opts.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, strings.TrimRight(opts.Endpoint, "/"), opts.Bucket)
}

// ObjectURL joins base and an object key, escaping each key segment.
func ObjectURL(base, key string) string {
	segments := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}
