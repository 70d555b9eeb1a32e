package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-lrs/internal/models"
)

// StatementFilter narrows a statement search. Every set field is ANDed.
type StatementFilter struct {
	// AgentIDs match the actor, or with RelatedAgents any agent slot.
	AgentIDs      []uint
	RelatedAgents bool

	VerbID            *uint
	ActivityID        *uint
	RelatedActivities bool
	Registration      *string

	Since *time.Time
	Until *time.Time

	Ascending            bool
	Limit                int
	IncludeSubStatements bool
}

// StatementRepository defines data operations for statements and the voiding index.
type StatementRepository interface {
	GetByStatementID(ctx context.Context, statementID string, includeSubStatements bool) (models.Statement, error)
	Create(ctx context.Context, statement *models.Statement) error
	Search(ctx context.Context, filter StatementFilter) ([]models.Statement, error)
	RegisterVoid(ctx context.Context, targetStatementID, voidingStatementID string) error
	IsVoided(ctx context.Context, statementID string) (bool, error)
	VoidersOf(ctx context.Context, targetStatementID string) ([]string, error)
}

type statementRepository struct {
	db *gorm.DB
}

// NewStatementRepository instantiates the repository.
func NewStatementRepository(db *gorm.DB) StatementRepository {
	return &statementRepository{db: db}
}

func orderedContextActivities(db *gorm.DB) *gorm.DB {
	return db.Order("relation_type ASC, position ASC")
}

func orderedAttachments(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

func (r *statementRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Statement{}).
		Preload("Actor").
		Preload("Verb").
		Preload("ObjectActivity").
		Preload("ObjectAgent").
		Preload("Authority").
		Preload("ContextInstructor").
		Preload("ContextTeam").
		Preload("ContextActivities", orderedContextActivities).
		Preload("ContextActivities.Activity").
		Preload("Attachments", orderedAttachments).
		Preload("ObjectSubStatement").
		Preload("ObjectSubStatement.Actor").
		Preload("ObjectSubStatement.Verb").
		Preload("ObjectSubStatement.ObjectActivity").
		Preload("ObjectSubStatement.ObjectAgent").
		Preload("ObjectSubStatement.ContextInstructor").
		Preload("ObjectSubStatement.ContextTeam").
		Preload("ObjectSubStatement.ContextActivities", orderedContextActivities).
		Preload("ObjectSubStatement.ContextActivities.Activity").
		Preload("ObjectSubStatement.Attachments", orderedAttachments)
}

func (r *statementRepository) GetByStatementID(ctx context.Context, statementID string, includeSubStatements bool) (models.Statement, error) {
	query := r.baseQuery(ctx).Where("statement_id = ?", statementID)
	if !includeSubStatements {
		query = query.Where("is_sub_statement = ?", false)
	}

	var statement models.Statement
	if err := query.First(&statement).Error; err != nil {
		return models.Statement{}, err
	}

	statements := []models.Statement{statement}
	if err := r.attachMembers(ctx, statements); err != nil {
		return models.Statement{}, err
	}

	return statements[0], nil
}

func (r *statementRepository) Create(ctx context.Context, statement *models.Statement) error {
	db := r.db.WithContext(ctx)
	if err := db.Omit(clause.Associations).Create(statement).Error; err != nil {
		return err
	}

	for i := range statement.ContextActivities {
		statement.ContextActivities[i].StatementID = statement.ID
	}
	if len(statement.ContextActivities) > 0 {
		if err := db.Omit(clause.Associations).Create(&statement.ContextActivities).Error; err != nil {
			return err
		}
	}

	for i := range statement.Attachments {
		statement.Attachments[i].StatementID = statement.ID
	}
	if len(statement.Attachments) > 0 {
		if err := db.Create(&statement.Attachments).Error; err != nil {
			return err
		}
	}

	return nil
}

func (r *statementRepository) Search(ctx context.Context, filter StatementFilter) ([]models.Statement, error) {
	query := r.baseQuery(ctx).
		Where("statement_id NOT IN (?)", r.db.Model(&models.StatementVoid{}).Select("target_statement_id"))

	if !filter.IncludeSubStatements {
		query = query.Where("is_sub_statement = ?", false)
	}

	if len(filter.AgentIDs) > 0 {
		if filter.RelatedAgents {
			query = query.Where(
				"actor_id IN ? OR object_agent_id IN ? OR authority_id IN ? OR context_instructor_id IN ? OR context_team_id IN ?",
				filter.AgentIDs, filter.AgentIDs, filter.AgentIDs, filter.AgentIDs, filter.AgentIDs,
			)
		} else {
			query = query.Where("actor_id IN ?", filter.AgentIDs)
		}
	}

	if filter.VerbID != nil {
		query = query.Where("verb_id = ?", *filter.VerbID)
	}

	if filter.ActivityID != nil {
		if filter.RelatedActivities {
			query = query.Where(
				"object_activity_id = ? OR id IN (?)",
				*filter.ActivityID,
				r.db.Model(&models.ContextActivity{}).Select("statement_id").Where("activity_id = ?", *filter.ActivityID),
			)
		} else {
			query = query.Where("object_activity_id = ?", *filter.ActivityID)
		}
	}

	if filter.Registration != nil {
		query = query.Where("context_registration = ?", *filter.Registration)
	}

	if filter.Since != nil {
		query = query.Where("stored > ?", filter.Since.UTC())
	}

	if filter.Until != nil {
		query = query.Where("stored <= ?", filter.Until.UTC())
	}

	if filter.Ascending {
		query = query.Order("stored ASC").Order("id ASC")
	} else {
		query = query.Order("stored DESC").Order("id DESC")
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var statements []models.Statement
	if err := query.Find(&statements).Error; err != nil {
		return nil, err
	}

	if err := r.attachMembers(ctx, statements); err != nil {
		return nil, err
	}

	return statements, nil
}

func (r *statementRepository) RegisterVoid(ctx context.Context, targetStatementID, voidingStatementID string) error {
	entry := models.StatementVoid{
		TargetStatementID:  targetStatementID,
		VoidingStatementID: voidingStatementID,
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry).Error
}

func (r *statementRepository) IsVoided(ctx context.Context, statementID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.StatementVoid{}).
		Where("target_statement_id = ?", statementID).
		Count(&count).Error; err != nil {
		return false, err
	}

	return count > 0, nil
}

func (r *statementRepository) VoidersOf(ctx context.Context, targetStatementID string) ([]string, error) {
	var voiders []string
	if err := r.db.WithContext(ctx).
		Model(&models.StatementVoid{}).
		Where("target_statement_id = ?", targetStatementID).
		Order("id ASC").
		Pluck("voiding_statement_id", &voiders).Error; err != nil {
		return nil, err
	}

	return voiders, nil
}

// attachMembers fills Members on every group referenced by the statements.
func (r *statementRepository) attachMembers(ctx context.Context, statements []models.Statement) error {
	var groups []*models.Agent
	collect := func(agent *models.Agent) {
		if agent != nil && agent.IsGroup() {
			groups = append(groups, agent)
		}
	}

	var visit func(statement *models.Statement)
	visit = func(statement *models.Statement) {
		collect(&statement.Actor)
		collect(statement.ObjectAgent)
		collect(statement.Authority)
		collect(statement.ContextInstructor)
		collect(statement.ContextTeam)
		if statement.ObjectSubStatement != nil {
			visit(statement.ObjectSubStatement)
		}
	}
	for i := range statements {
		visit(&statements[i])
	}

	if len(groups) == 0 {
		return nil
	}

	ids := make([]uint, 0, len(groups))
	seen := make(map[uint]struct{}, len(groups))
	for _, group := range groups {
		if _, ok := seen[group.ID]; ok {
			continue
		}
		seen[group.ID] = struct{}{}
		ids = append(ids, group.ID)
	}

	members, err := NewAgentRepository(r.db).MembersOf(ctx, ids)
	if err != nil {
		return err
	}

	for _, group := range groups {
		group.Members = members[group.ID]
	}

	return nil
}
