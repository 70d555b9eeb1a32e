package models

import "time"

const (
	// ObjectTypeAgent identifies an individual actor.
	ObjectTypeAgent = "Agent"
	// ObjectTypeGroup identifies a collection of actors.
	ObjectTypeGroup = "Group"
)

// Agent is the stored identity of an xAPI Agent or Group.
type Agent struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ObjectType      string    `gorm:"size:8;not null;default:Agent" json:"object_type"`
	Name            string    `gorm:"size:255" json:"name"`
	Mbox            string    `gorm:"size:255;index" json:"mbox"`
	MboxSHA1Sum     string    `gorm:"column:mbox_sha1sum;size:40;index" json:"mbox_sha1sum"`
	OpenID          string    `gorm:"column:openid;size:2048;index" json:"openid"`
	AccountHomePage string    `gorm:"size:2048;index:idx_agents_account" json:"account_home_page"`
	AccountName     string    `gorm:"size:255;index:idx_agents_account" json:"account_name"`
	IFIKey          *string   `gorm:"column:ifi_key;size:2400;uniqueIndex" json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	Members         []Agent   `gorm:"-" json:"members,omitempty"`
}

// IsGroup reports whether the identity is a Group.
func (a Agent) IsGroup() bool {
	return a.ObjectType == ObjectTypeGroup
}

// IsAnonymous reports whether the identity carries no inverse functional identifier.
func (a Agent) IsAnonymous() bool {
	return a.IFIKey == nil
}

// AgentMember links a Group identity to one of its members.
type AgentMember struct {
	ID       uint `gorm:"primaryKey"`
	GroupID  uint `gorm:"not null;uniqueIndex:idx_agent_members_pair"`
	MemberID uint `gorm:"not null;uniqueIndex:idx_agent_members_pair;index"`
}
