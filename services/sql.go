package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ViljarVoidula/graphql-gateway/model"
	"github.com/ViljarVoidula/graphql-gateway/shared"
)

// SqlService owns the service and key tables. Driver is selected by
// DB_DRIVER: postgres for deployments, sqlite for local development and
// tests.
type SqlService struct {
	context.DefaultService
	db *gorm.DB

	driver string
	dsn    string
}

const SQL_SVC = "sql_svc"

func (ds SqlService) Id() string {
	return SQL_SVC
}

// Db exposes the raw gorm handle for callers that need ad-hoc queries.
func (ds SqlService) Db() *gorm.DB {
	return ds.db
}

func (ds *SqlService) Configure(ctx *context.Context) error {
	ds.driver = os.Getenv("DB_DRIVER")
	if ds.driver == "" {
		ds.driver = "postgres"
	}

	switch ds.driver {
	case "sqlite":
		ds.dsn = os.Getenv("DB_DATABASE")
		if ds.dsn == "" {
			ds.dsn = "gateway.db"
		}
	default:
		ds.dsn = os.Getenv("DATABASE_URL")
		if ds.dsn == "" {
			host := envOr("DB_HOST", "localhost")
			port := envOr("DB_PORT", "5432")
			user := envOr("DB_USER", "postgres")
			password := envOr("DB_PASSWORD", "postgres")
			dbname := envOr("DB_NAME", "gateway")
			sslmode := envOr("DB_SSLMODE", "disable")

			ds.dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
				host, user, password, dbname, port, sslmode)
		}
	}

	return ds.DefaultService.Configure(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (ds *SqlService) Start() (err error) {
	maxRetries := 10
	retryDelay := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ds.db, err = ds.open()
		if err == nil {
			break
		}
		if ds.driver == "sqlite" || attempt == maxRetries {
			return err
		}
		log.WithError(err).Warnf("Database connection failed (attempt %d/%d), retrying in %s", attempt, maxRetries, retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
	}

	if err = ds.db.AutoMigrate(&model.Service{}, &model.ServiceKey{}); err != nil {
		log.WithError(err).Error("Failed to migrate database")
		return err
	}

	log.Println("Database connected and migrated successfully")
	return nil
}

func (ds *SqlService) open() (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Error),
		TranslateError: true,
	}

	if ds.driver == "sqlite" {
		return gorm.Open(sqlite.Open(ds.dsn), cfg)
	}
	return gorm.Open(postgres.Open(ds.dsn), cfg)
}

func (ds *SqlService) Shutdown() {
}

// ==================== SERVICES ====================

func (ds *SqlService) GetService(id string) (*model.Service, error) {
	var svc model.Service
	if err := ds.db.First(&svc, "id = ?", id).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return &svc, nil
}

func (ds *SqlService) GetServiceByURL(url string) (*model.Service, error) {
	var svc model.Service
	if err := ds.db.First(&svc, "url = ?", url).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return &svc, nil
}

func (ds *SqlService) ListServices() ([]model.Service, error) {
	var out []model.Service
	if err := ds.db.Order("created_at asc").Find(&out).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return out, nil
}

func (ds *SqlService) ListServicesByStatus(statuses ...string) ([]model.Service, error) {
	var out []model.Service
	if err := ds.db.Where("status IN ?", statuses).Order("created_at asc").Find(&out).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return out, nil
}

func (ds *SqlService) ListExternallyAccessibleServices() ([]model.Service, error) {
	var out []model.Service
	if err := ds.db.Where("externally_accessible = ?", true).Order("created_at asc").Find(&out).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return out, nil
}

func (ds *SqlService) SaveService(svc *model.Service) error {
	return ds.HandleError(ds.db.Save(svc).Error)
}

func (ds *SqlService) UpdateServiceFields(id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	res := ds.db.Model(&model.Service{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return ds.HandleError(res.Error)
	}
	if res.RowsAffected == 0 {
		return shared.ErrNotFound("service not found")
	}
	return nil
}

func (ds *SqlService) SetServiceStatus(id, status string) error {
	return ds.UpdateServiceFields(id, map[string]interface{}{"status": status})
}

func (ds *SqlService) SetServiceSDL(id, sdl string) error {
	return ds.UpdateServiceFields(id, map[string]interface{}{"sdl": sdl})
}

// ==================== SERVICE KEYS ====================

func (ds *SqlService) GetKey(keyID string) (*model.ServiceKey, error) {
	var key model.ServiceKey
	if err := ds.db.First(&key, "key_id = ?", keyID).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return &key, nil
}

func (ds *SqlService) GetActiveKey(serviceID string) (*model.ServiceKey, error) {
	var key model.ServiceKey
	err := ds.db.First(&key, "service_id = ? AND status = ?", serviceID, model.KeyStatusActive).Error
	if err != nil {
		return nil, ds.HandleError(err)
	}
	return &key, nil
}

func (ds *SqlService) ListServiceKeys(serviceID string) ([]model.ServiceKey, error) {
	var out []model.ServiceKey
	if err := ds.db.Where("service_id = ?", serviceID).Order("created_at desc").Find(&out).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return out, nil
}

// ListVerifiableKeys returns the keys that may currently verify signatures
// for a service: the active key plus expired keys still inside their grace
// window.
func (ds *SqlService) ListVerifiableKeys(serviceID string, now time.Time) ([]model.ServiceKey, error) {
	var out []model.ServiceKey
	err := ds.db.
		Where("service_id = ? AND (status = ? OR (status = ? AND expires_at > ?))",
			serviceID, model.KeyStatusActive, model.KeyStatusExpired, now).
		Find(&out).Error
	if err != nil {
		return nil, ds.HandleError(err)
	}
	return out, nil
}

func (ds *SqlService) SaveKey(key *model.ServiceKey) error {
	return ds.HandleError(ds.db.Save(key).Error)
}

func (ds *SqlService) UpdateKeyStatus(keyID, status string, expiresAt *time.Time) error {
	res := ds.db.Model(&model.ServiceKey{}).Where("key_id = ?", keyID).
		Updates(map[string]interface{}{"status": status, "expires_at": expiresAt})
	if res.Error != nil {
		return ds.HandleError(res.Error)
	}
	if res.RowsAffected == 0 {
		return shared.ErrNotFound("key not found")
	}
	return nil
}

// RevokeServiceKeys marks every non-revoked key of a service revoked.
func (ds *SqlService) RevokeServiceKeys(serviceID string) error {
	err := ds.db.Model(&model.ServiceKey{}).
		Where("service_id = ? AND status <> ?", serviceID, model.KeyStatusRevoked).
		Updates(map[string]interface{}{"status": model.KeyStatusRevoked, "expires_at": nil}).Error
	return ds.HandleError(err)
}

func (ds *SqlService) CountKeysByStatus(status string) (int64, error) {
	var n int64
	err := ds.db.Model(&model.ServiceKey{}).Where("status = ?", status).Count(&n).Error
	return n, ds.HandleError(err)
}

func (ds *SqlService) CountKeys() (int64, error) {
	var n int64
	err := ds.db.Model(&model.ServiceKey{}).Count(&n).Error
	return n, ds.HandleError(err)
}

func (ds *SqlService) CountKeyedServices() (int64, error) {
	var n int64
	err := ds.db.Model(&model.ServiceKey{}).Distinct("service_id").Count(&n).Error
	return n, ds.HandleError(err)
}

// HandleError maps gorm errors onto the caller-facing taxonomy.
func (ds *SqlService) HandleError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := shared.GetAppError(err); ok {
		return err
	}

	var statusCode int
	var errorType string

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		statusCode = http.StatusNotFound
		errorType = "NOT_FOUND"
	case errors.Is(err, gorm.ErrDuplicatedKey):
		statusCode = http.StatusConflict
		errorType = "CONFLICT"
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		statusCode = http.StatusBadRequest
		errorType = "FOREIGN_KEY_VIOLATION"
	case errors.Is(err, gorm.ErrInvalidTransaction):
		statusCode = http.StatusInternalServerError
		errorType = "TRANSACTION_ERROR"
	default:
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "duplicate key value") {
			statusCode = http.StatusConflict
			errorType = "UNIQUE_CONSTRAINT"
		} else {
			statusCode = http.StatusInternalServerError
			errorType = "INTERNAL_ERROR"
		}
	}

	logEntry := log.WithFields(log.Fields{
		"status_code": statusCode,
		"error_type":  errorType,
		"error":       err.Error(),
	})

	if statusCode >= 500 {
		logEntry.Error("Database error occurred")
	} else {
		logEntry.Warn("Database operation failed")
	}

	return shared.NewAppError(statusCode, errorType, err.Error())
}
