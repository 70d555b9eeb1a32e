package models

import (
	"time"

	"gorm.io/datatypes"
)

// VoidedVerbIRI is the verb that turns a statement into a voiding statement.
const VoidedVerbIRI = "http://adlnet.gov/expapi/verbs/voided"

// Statement object discriminants.
const (
	ObjectTypeActivity     = "Activity"
	ObjectTypeStatementRef = "StatementRef"
	ObjectTypeSubStatement = "SubStatement"
)

// Context activity relation types.
const (
	ContextRelationParent   = "parent"
	ContextRelationGrouping = "grouping"
	ContextRelationCategory = "category"
	ContextRelationOther    = "other"
)

// ContextRelations lists the relation types in rendering order.
var ContextRelations = []string{
	ContextRelationParent,
	ContextRelationGrouping,
	ContextRelationCategory,
	ContextRelationOther,
}

// MaxStatementIDLength bounds statement ids, statement references and
// registrations to the width of their columns.
const MaxStatementIDLength = 255

// Statement is an accepted, immutable xAPI statement.
type Statement struct {
	ID          uint   `gorm:"primaryKey"`
	StatementID string `gorm:"size:255;not null;uniqueIndex"`

	ActorID uint  `gorm:"not null;index"`
	Actor   Agent `gorm:"foreignKey:ActorID"`
	VerbID  uint  `gorm:"not null;index"`
	Verb    Verb  `gorm:"foreignKey:VerbID"`

	ObjectType           string     `gorm:"size:16;not null"`
	ObjectActivityID     *uint      `gorm:"index"`
	ObjectActivity       *Activity  `gorm:"foreignKey:ObjectActivityID"`
	ObjectAgentID        *uint      `gorm:"index"`
	ObjectAgent          *Agent     `gorm:"foreignKey:ObjectAgentID"`
	ObjectSubStatementID *uint      `gorm:"index"`
	ObjectSubStatement   *Statement `gorm:"foreignKey:ObjectSubStatementID"`
	ObjectStatementRef   *string    `gorm:"size:255;index"`

	Result datatypes.JSON `gorm:"type:json"`

	ContextRegistration *string        `gorm:"size:255;index"`
	ContextInstructorID *uint          `gorm:"index"`
	ContextInstructor   *Agent         `gorm:"foreignKey:ContextInstructorID"`
	ContextTeamID       *uint          `gorm:"index"`
	ContextTeam         *Agent         `gorm:"foreignKey:ContextTeamID"`
	ContextRevision     string         `gorm:"size:255"`
	ContextPlatform     string         `gorm:"size:255"`
	ContextLanguage     string         `gorm:"size:35"`
	ContextStatementRef *string        `gorm:"size:255"`
	ContextExtensions   datatypes.JSON `gorm:"type:json"`
	HasContext          bool           `gorm:"not null;default:false"`

	ContextActivities []ContextActivity     `gorm:"foreignKey:StatementID"`
	Attachments       []StatementAttachment `gorm:"foreignKey:StatementID"`

	Timestamp      time.Time `gorm:"not null"`
	Stored         time.Time `gorm:"not null;index"`
	AuthorityID    *uint     `gorm:"index"`
	Authority      *Agent    `gorm:"foreignKey:AuthorityID"`
	Version        string    `gorm:"size:20"`
	IsSubStatement bool      `gorm:"not null;default:false;index"`
}

// IsVoiding reports whether the statement voids another statement.
func (s Statement) IsVoiding() bool {
	return s.Verb.IRI == VoidedVerbIRI && s.ObjectType == ObjectTypeStatementRef && s.ObjectStatementRef != nil
}

// ContextActivity links a statement to an activity under a relation type.
type ContextActivity struct {
	ID           uint     `gorm:"primaryKey"`
	StatementID  uint     `gorm:"not null;index"`
	ActivityID   uint     `gorm:"not null;index"`
	Activity     Activity `gorm:"foreignKey:ActivityID"`
	RelationType string   `gorm:"size:16;not null"`
	Position     int      `gorm:"not null;default:0"`
}

// StatementAttachment stores attachment metadata; payload bytes are not kept.
type StatementAttachment struct {
	ID          uint           `gorm:"primaryKey"`
	StatementID uint           `gorm:"not null;index"`
	UsageType   string         `gorm:"size:2048"`
	Display     datatypes.JSON `gorm:"type:json"`
	Description datatypes.JSON `gorm:"type:json"`
	ContentType string         `gorm:"size:255"`
	Length      int64
	SHA2        string `gorm:"column:sha2;size:128"`
	FileURL     string `gorm:"size:2048"`
	Position    int    `gorm:"not null;default:0"`
}

// StatementVoid records that a voiding statement targets another statement id.
type StatementVoid struct {
	ID                 uint      `gorm:"primaryKey"`
	TargetStatementID  string    `gorm:"size:255;not null;uniqueIndex:idx_statement_voids_pair;index"`
	VoidingStatementID string    `gorm:"size:255;not null;uniqueIndex:idx_statement_voids_pair"`
	CreatedAt          time.Time `json:"created_at"`
}

// AllModels lists every persisted model for auto-migration.
func AllModels() []interface{} {
	return []interface{}{
		&Agent{},
		&AgentMember{},
		&Verb{},
		&Activity{},
		&Statement{},
		&ContextActivity{},
		&StatementAttachment{},
		&StatementVoid{},
	}
}
