package session

import (
	"context"
	"errors"

	"github.com/tabletap/tabletap-client/pkg/localdb/models"
	"gorm.io/gorm"
)

const sessionRowID = 1

// Repository persists the token pair to durable storage.
type Repository interface {
	Load(ctx context.Context) (access, refresh string, err error)
	Save(ctx context.Context, access, refresh string) error
	Delete(ctx context.Context) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds the sqlite-backed session repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Load(ctx context.Context) (string, string, error) {
	var rec models.SessionRecord
	err := r.db.WithContext(ctx).First(&rec, sessionRowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", nil
		}
		return "", "", err
	}
	return rec.AccessToken, rec.RefreshToken, nil
}

func (r *repository) Save(ctx context.Context, access, refresh string) error {
	rec := models.SessionRecord{ID: sessionRowID, AccessToken: access, RefreshToken: refresh}
	return r.db.WithContext(ctx).Save(&rec).Error
}

func (r *repository) Delete(ctx context.Context) error {
	return r.db.WithContext(ctx).Delete(&models.SessionRecord{}, sessionRowID).Error
}
