package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-lrs/internal/models"
)

// AgentIdentifier selects agents by exactly one inverse functional identifier.
// Only the first non-empty field is used.
type AgentIdentifier struct {
	Mbox            string
	MboxSHA1Sum     string
	OpenID          string
	AccountHomePage string
	AccountName     string
}

// AgentRepository defines data operations for agent and group identities.
type AgentRepository interface {
	FindByIdentifier(ctx context.Context, identifier AgentIdentifier) (models.Agent, error)
	GetByID(ctx context.Context, id uint) (models.Agent, error)
	Create(ctx context.Context, agent *models.Agent) error
	AddMembers(ctx context.Context, groupID uint, memberIDs []uint) error
	MembersOf(ctx context.Context, groupIDs []uint) (map[uint][]models.Agent, error)
	GroupIDsWithMember(ctx context.Context, memberID uint) ([]uint, error)
}

type agentRepository struct {
	db *gorm.DB
}

// NewAgentRepository instantiates the repository.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &agentRepository{db: db}
}

func (r *agentRepository) FindByIdentifier(ctx context.Context, identifier AgentIdentifier) (models.Agent, error) {
	query := r.db.WithContext(ctx).Model(&models.Agent{})

	switch {
	case identifier.Mbox != "":
		query = query.Where("mbox = ?", identifier.Mbox)
	case identifier.MboxSHA1Sum != "":
		query = query.Where("mbox_sha1sum = ?", identifier.MboxSHA1Sum)
	case identifier.OpenID != "":
		query = query.Where("openid = ?", identifier.OpenID)
	case identifier.AccountHomePage != "" && identifier.AccountName != "":
		query = query.Where("account_home_page = ? AND account_name = ?", identifier.AccountHomePage, identifier.AccountName)
	default:
		return models.Agent{}, gorm.ErrRecordNotFound
	}

	var agent models.Agent
	if err := query.Order("id ASC").First(&agent).Error; err != nil {
		return models.Agent{}, err
	}

	return agent, nil
}

func (r *agentRepository) GetByID(ctx context.Context, id uint) (models.Agent, error) {
	var agent models.Agent
	if err := r.db.WithContext(ctx).First(&agent, id).Error; err != nil {
		return models.Agent{}, err
	}

	return agent, nil
}

func (r *agentRepository) Create(ctx context.Context, agent *models.Agent) error {
	return r.db.WithContext(ctx).Omit("Members").Create(agent).Error
}

func (r *agentRepository) AddMembers(ctx context.Context, groupID uint, memberIDs []uint) error {
	if len(memberIDs) == 0 {
		return nil
	}

	links := make([]models.AgentMember, 0, len(memberIDs))
	for _, memberID := range memberIDs {
		links = append(links, models.AgentMember{GroupID: groupID, MemberID: memberID})
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&links).Error
}

func (r *agentRepository) MembersOf(ctx context.Context, groupIDs []uint) (map[uint][]models.Agent, error) {
	result := make(map[uint][]models.Agent, len(groupIDs))
	if len(groupIDs) == 0 {
		return result, nil
	}

	var links []models.AgentMember
	if err := r.db.WithContext(ctx).
		Where("group_id IN ?", groupIDs).
		Order("id ASC").
		Find(&links).Error; err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return result, nil
	}

	memberIDs := make([]uint, 0, len(links))
	for _, link := range links {
		memberIDs = append(memberIDs, link.MemberID)
	}

	var members []models.Agent
	if err := r.db.WithContext(ctx).Where("id IN ?", memberIDs).Find(&members).Error; err != nil {
		return nil, err
	}

	byID := make(map[uint]models.Agent, len(members))
	for _, member := range members {
		byID[member.ID] = member
	}

	for _, link := range links {
		if member, ok := byID[link.MemberID]; ok {
			result[link.GroupID] = append(result[link.GroupID], member)
		}
	}

	return result, nil
}

func (r *agentRepository) GroupIDsWithMember(ctx context.Context, memberID uint) ([]uint, error) {
	var groupIDs []uint
	if err := r.db.WithContext(ctx).
		Model(&models.AgentMember{}).
		Where("member_id = ?", memberID).
		Order("group_id ASC").
		Pluck("group_id", &groupIDs).Error; err != nil {
		return nil, err
	}

	return groupIDs, nil
}
