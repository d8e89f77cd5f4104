package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/egov-messaging-api/internal/models"
)

// UserRepository provides read access to portal accounts.
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (models.User, error)
	FirstStaff(ctx context.Context) (models.User, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a user repository.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return models.User{}, translate(err)
	}

	return user, nil
}

func (r *userRepository) FirstStaff(ctx context.Context) (models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Where("role IN ?", []string{models.RoleStaff, models.RoleAdmin}).
		Order("id ASC").
		First(&user).Error
	if err != nil {
		return models.User{}, translate(err)
	}

	return user, nil
}
