package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

// SchemaArchiveService keeps a history of successfully composed schemas in
// object storage, one timestamped object per reload. Operators use it to diff
// what the gateway served over time. Disabled unless SCHEMA_ARCHIVE_ENABLED
// is set.
type SchemaArchiveService struct {
	appContext.DefaultService

	client     *minio.Client
	enabled    bool
	bucketName string
	endpoint   string
	accessKey  string
	secretKey  string
	useSSL     bool
}

const SCHEMA_ARCHIVE_SVC = "schema_archive_svc"

func (svc SchemaArchiveService) Id() string {
	return SCHEMA_ARCHIVE_SVC
}

func (svc *SchemaArchiveService) Configure(ctx *appContext.Context) error {
	svc.enabled = os.Getenv("SCHEMA_ARCHIVE_ENABLED") == "true"

	svc.endpoint = os.Getenv("MINIO_ENDPOINT")
	if svc.endpoint == "" {
		svc.endpoint = "localhost:9000"
	}
	svc.accessKey = os.Getenv("MINIO_ACCESS_KEY")
	svc.secretKey = os.Getenv("MINIO_SECRET_KEY")
	svc.useSSL = os.Getenv("MINIO_USE_SSL") == "true"

	svc.bucketName = os.Getenv("MINIO_BUCKET_NAME")
	if svc.bucketName == "" {
		svc.bucketName = "gateway-schemas"
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *SchemaArchiveService) Start() error {
	if !svc.enabled {
		return nil
	}

	client, err := minio.New(svc.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(svc.accessKey, svc.secretKey, ""),
		Secure: svc.useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %w", err)
	}
	svc.client = client

	if err := svc.ensureBucket(); err != nil {
		return fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	log.WithField("endpoint", svc.endpoint).Info("Schema archive enabled")
	return nil
}

func (svc *SchemaArchiveService) ensureBucket() error {
	ctx := context.Background()

	exists, err := svc.client.BucketExists(ctx, svc.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		if err := svc.client.MakeBucket(ctx, svc.bucketName, minio.MakeBucketOptions{}); err != nil {
			return err
		}
		log.WithField("bucket", svc.bucketName).Info("Created schema archive bucket")
	}
	return nil
}

// StoreSnapshot uploads one composed schema. Archival is best-effort and off
// the reload path; failures are logged only.
func (svc *SchemaArchiveService) StoreSnapshot(sdl string) {
	if !svc.enabled || svc.client == nil {
		return
	}

	objectName := fmt.Sprintf("schemas/%s.graphql", time.Now().UTC().Format("2006-01-02T15-04-05Z"))
	_, err := svc.client.PutObject(context.Background(), svc.bucketName, objectName,
		strings.NewReader(sdl), int64(len(sdl)),
		minio.PutObjectOptions{ContentType: "application/graphql"})
	if err != nil {
		log.WithError(err).Warn("Failed to archive composite schema snapshot")
		return
	}
	log.WithField("object", objectName).Debug("Archived composite schema snapshot")
}

// ListSnapshots returns archived schema object names, newest last.
func (svc *SchemaArchiveService) ListSnapshots() ([]string, error) {
	if !svc.enabled || svc.client == nil {
		return nil, nil
	}

	var names []string
	for object := range svc.client.ListObjects(context.Background(), svc.bucketName,
		minio.ListObjectsOptions{Prefix: "schemas/", Recursive: true}) {
		if object.Err != nil {
			return nil, object.Err
		}
		names = append(names, object.Key)
	}
	return names, nil
}

// SnapshotURL produces a presigned download link for one archived schema.
func (svc *SchemaArchiveService) SnapshotURL(objectName string, expiry time.Duration) (string, error) {
	if !svc.enabled || svc.client == nil {
		return "", fmt.Errorf("schema archive is disabled")
	}

	u, err := svc.client.PresignedGetObject(context.Background(), svc.bucketName, objectName, expiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
