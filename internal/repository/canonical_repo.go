package repository

import (
	"context"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-lrs/internal/models"
)

// VerbRepository defines data operations for canonical verbs.
type VerbRepository interface {
	GetByIRI(ctx context.Context, iri string) (models.Verb, error)
	GetByID(ctx context.Context, id uint) (models.Verb, error)
	Create(ctx context.Context, verb *models.Verb) error
	UpdateCanonical(ctx context.Context, id uint, data datatypes.JSON) error
}

// ActivityRepository defines data operations for canonical activities.
type ActivityRepository interface {
	GetByIRI(ctx context.Context, iri string) (models.Activity, error)
	GetByID(ctx context.Context, id uint) (models.Activity, error)
	Create(ctx context.Context, activity *models.Activity) error
	UpdateCanonical(ctx context.Context, id uint, data datatypes.JSON) error
}

type verbRepository struct {
	db *gorm.DB
}

// NewVerbRepository instantiates the repository.
func NewVerbRepository(db *gorm.DB) VerbRepository {
	return &verbRepository{db: db}
}

func (r *verbRepository) GetByIRI(ctx context.Context, iri string) (models.Verb, error) {
	var verb models.Verb
	if err := r.db.WithContext(ctx).Where("iri = ?", iri).First(&verb).Error; err != nil {
		return models.Verb{}, err
	}

	return verb, nil
}

func (r *verbRepository) GetByID(ctx context.Context, id uint) (models.Verb, error) {
	var verb models.Verb
	if err := r.db.WithContext(ctx).First(&verb, id).Error; err != nil {
		return models.Verb{}, err
	}

	return verb, nil
}

func (r *verbRepository) Create(ctx context.Context, verb *models.Verb) error {
	return r.db.WithContext(ctx).Create(verb).Error
}

func (r *verbRepository) UpdateCanonical(ctx context.Context, id uint, data datatypes.JSON) error {
	return r.db.WithContext(ctx).
		Model(&models.Verb{}).
		Where("id = ?", id).
		Update("canonical_data", data).Error
}

type activityRepository struct {
	db *gorm.DB
}

// NewActivityRepository instantiates the repository.
func NewActivityRepository(db *gorm.DB) ActivityRepository {
	return &activityRepository{db: db}
}

func (r *activityRepository) GetByIRI(ctx context.Context, iri string) (models.Activity, error) {
	var activity models.Activity
	if err := r.db.WithContext(ctx).Where("iri = ?", iri).First(&activity).Error; err != nil {
		return models.Activity{}, err
	}

	return activity, nil
}

func (r *activityRepository) GetByID(ctx context.Context, id uint) (models.Activity, error) {
	var activity models.Activity
	if err := r.db.WithContext(ctx).First(&activity, id).Error; err != nil {
		return models.Activity{}, err
	}

	return activity, nil
}

func (r *activityRepository) Create(ctx context.Context, activity *models.Activity) error {
	return r.db.WithContext(ctx).Create(activity).Error
}

func (r *activityRepository) UpdateCanonical(ctx context.Context, id uint, data datatypes.JSON) error {
	return r.db.WithContext(ctx).
		Model(&models.Activity{}).
		Where("id = ?", id).
		Update("canonical_data", data).Error
}
