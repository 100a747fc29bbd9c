package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/postflow-hq/postflow/internal/platform"
)

// ObjectMirrorConfig captures configuration for the object-storage mirror.
type ObjectMirrorConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	UseSSL    bool
}

// ObjectMirror keeps a redacted copy of connection records in an
// S3-compatible bucket. Operators use the mirror as an off-database inventory
// of which projects are connected to which platforms; token ciphertext is
// stripped before upload, so the bucket never holds credential material in
// any form.
type ObjectMirror struct {
	client *minio.Client
	cfg    ObjectMirrorConfig
}

// NewObjectMirror initializes the S3 client and verifies the bucket exists.
func NewObjectMirror(ctx context.Context, cfg ObjectMirrorConfig) (*ObjectMirror, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object mirror: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object mirror: bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("object mirror: access credentials are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object mirror: init client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("object mirror: check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("object mirror: bucket %s does not exist", cfg.Bucket)
	}
	return &ObjectMirror{client: client, cfg: cfg}, nil
}

// mirroredConnection is the uploaded object body before redaction.
type mirroredConnection struct {
	Platform    string    `json:"platform"`
	ProjectID   string    `json:"project_id"`
	AccessToken string    `json:"access_token_ciphertext"`
	Scope       string    `json:"scope"`
	Username    string    `json:"username,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	MirroredAt  time.Time `json:"mirrored_at"`
}

// Put uploads a redacted copy of the record.
func (m *ObjectMirror) Put(ctx context.Context, rec *TokenRecord) error {
	if rec == nil {
		return fmt.Errorf("object mirror: record is nil")
	}
	payload, err := json.Marshal(mirroredConnection{
		Platform:    string(rec.Platform),
		ProjectID:   rec.ProjectID,
		AccessToken: rec.AccessTokenCiphertext,
		Scope:       rec.Scope,
		Username:    rec.Username,
		ExpiresAt:   rec.ExpiresAt,
		MirroredAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("object mirror: marshal record: %w", err)
	}
	if payload, err = redactTokenMaterial(payload); err != nil {
		return fmt.Errorf("object mirror: redact record: %w", err)
	}

	key := m.objectKey(rec.Platform, rec.ProjectID)
	_, err = m.client.PutObject(ctx, m.cfg.Bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("object mirror: upload %s: %w", key, err)
	}
	return nil
}

// Remove deletes the mirrored object; a missing object is not an error.
func (m *ObjectMirror) Remove(ctx context.Context, p platform.Platform, projectID string) error {
	key := m.objectKey(p, projectID)
	if err := m.client.RemoveObject(ctx, m.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("object mirror: remove %s: %w", key, err)
	}
	return nil
}

func (m *ObjectMirror) objectKey(p platform.Platform, projectID string) string {
	key := fmt.Sprintf("connections/%s/%s.json", p, projectID)
	if m.cfg.Prefix != "" {
		key = m.cfg.Prefix + "/" + key
	}
	return key
}

// redactTokenMaterial replaces ciphertext fields in the serialized record.
// Even encrypted token material stays out of the mirror bucket.
func redactTokenMaterial(payload []byte) ([]byte, error) {
	out, err := sjson.SetBytes(payload, "access_token_ciphertext", "[redacted]")
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MirroredTokenStore decorates a TokenStore with best-effort mirroring. A
// mirror failure is logged, never surfaced: the database copy is the source
// of truth and a flow must not fail because the inventory bucket is down.
type MirroredTokenStore struct {
	Store
	mirror *ObjectMirror
}

// NewMirroredStore wraps inner so that token writes and deletes are shadowed
// to the object mirror.
func NewMirroredStore(inner Store, mirror *ObjectMirror) *MirroredTokenStore {
	return &MirroredTokenStore{Store: inner, mirror: mirror}
}

// SaveToken implements TokenStore.
func (s *MirroredTokenStore) SaveToken(ctx context.Context, rec *TokenRecord) error {
	if err := s.Store.SaveToken(ctx, rec); err != nil {
		return err
	}
	if err := s.mirror.Put(ctx, rec); err != nil {
		log.WithError(err).Warnf("object mirror: failed to mirror %s:%s", rec.Platform, rec.ProjectID)
	}
	return nil
}

// DeleteToken implements TokenStore.
func (s *MirroredTokenStore) DeleteToken(ctx context.Context, p platform.Platform, projectID string) error {
	if err := s.Store.DeleteToken(ctx, p, projectID); err != nil {
		return err
	}
	if err := s.mirror.Remove(ctx, p, projectID); err != nil {
		log.WithError(err).Warnf("object mirror: failed to remove %s:%s", p, projectID)
	}
	return nil
}
