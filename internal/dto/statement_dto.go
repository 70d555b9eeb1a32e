package dto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// LanguageMap maps RFC 5646 language tags to display strings.
type LanguageMap map[string]string

// Account identifies an actor by an account on an external system.
type Account struct {
	HomePage string `json:"homePage" validate:"required_with=Name"`
	Name     string `json:"name" validate:"required_with=HomePage"`
}

// Actor is an Agent or Group. ObjectType is the discriminator and is always
// normalised to "Agent" or "Group" after decoding.
type Actor struct {
	ObjectType  string   `json:"objectType"`
	Name        string   `json:"name,omitempty"`
	Mbox        string   `json:"mbox,omitempty"`
	MboxSHA1Sum string   `json:"mbox_sha1sum,omitempty"`
	OpenID      string   `json:"openid,omitempty"`
	Account     *Account `json:"account,omitempty" validate:"omitempty"`
	Member      []Actor  `json:"member,omitempty" validate:"omitempty,dive"`
}

type agentPayload struct {
	Name        string   `json:"name"`
	Mbox        string   `json:"mbox"`
	MboxSHA1Sum string   `json:"mbox_sha1sum"`
	OpenID      string   `json:"openid"`
	Account     *Account `json:"account"`
}

type groupPayload struct {
	agentPayload
	Member []Actor `json:"member"`
}

type objectTypeProbe struct {
	ObjectType string `json:"objectType"`
}

// UnmarshalJSON reads the objectType discriminator first and then decodes the
// matching variant. A missing or unknown discriminator decodes as an Agent.
func (a *Actor) UnmarshalJSON(data []byte) error {
	var probe objectTypeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	switch probe.ObjectType {
	case "Group":
		var payload groupPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return err
		}
		*a = payload.agentPayload.toActor("Group")
		a.Member = payload.Member
	default:
		var payload agentPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return err
		}
		*a = payload.toActor("Agent")
	}
	return nil
}

func (p agentPayload) toActor(objectType string) Actor {
	return Actor{
		ObjectType:  objectType,
		Name:        p.Name,
		Mbox:        p.Mbox,
		MboxSHA1Sum: p.MboxSHA1Sum,
		OpenID:      p.OpenID,
		Account:     p.Account,
	}
}

// IsGroup reports whether the actor is a Group.
func (a Actor) IsGroup() bool {
	return a.ObjectType == "Group"
}

// Verb is the action of a statement.
type Verb struct {
	ID      string      `json:"id"`
	Display LanguageMap `json:"display,omitempty"`
}

// InteractionComponent describes one choice of an interaction activity.
type InteractionComponent struct {
	ID          string      `json:"id"`
	Description LanguageMap `json:"description,omitempty"`
}

// ActivityDefinition carries the descriptive metadata of an activity.
type ActivityDefinition struct {
	Name                    LanguageMap            `json:"name,omitempty"`
	Description             LanguageMap            `json:"description,omitempty"`
	Type                    string                 `json:"type,omitempty"`
	MoreInfo                string                 `json:"moreInfo,omitempty"`
	InteractionType         string                 `json:"interactionType,omitempty"`
	CorrectResponsesPattern []string               `json:"correctResponsesPattern,omitempty"`
	Choices                 []InteractionComponent `json:"choices,omitempty"`
	Scale                   []InteractionComponent `json:"scale,omitempty"`
	Source                  []InteractionComponent `json:"source,omitempty"`
	Target                  []InteractionComponent `json:"target,omitempty"`
	Steps                   []InteractionComponent `json:"steps,omitempty"`
	Extensions              map[string]interface{} `json:"extensions,omitempty"`
}

// Activity is a referenceable thing a statement can be about.
type Activity struct {
	ObjectType string              `json:"objectType,omitempty"`
	ID         string              `json:"id"`
	Definition *ActivityDefinition `json:"definition,omitempty"`
}

// ActivityList decodes either a single activity or an array of activities.
type ActivityList []Activity

// UnmarshalJSON accepts the single-object shorthand allowed for context activities.
func (l *ActivityList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var single Activity
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		*l = ActivityList{single}
		return nil
	}

	var many []Activity
	if err := json.Unmarshal(trimmed, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// StatementRef points at another statement by id.
type StatementRef struct {
	ObjectType string `json:"objectType"`
	ID         string `json:"id"`
}

// Score is the scored outcome of a result.
type Score struct {
	Scaled *float64 `json:"scaled,omitempty"`
	Raw    *float64 `json:"raw,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// Result captures the outcome of a statement.
type Result struct {
	Score      *Score                 `json:"score,omitempty"`
	Success    *bool                  `json:"success,omitempty"`
	Completion *bool                  `json:"completion,omitempty"`
	Response   string                 `json:"response,omitempty"`
	Duration   string                 `json:"duration,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// ContextActivities groups related activities by relation type.
type ContextActivities struct {
	Parent   ActivityList `json:"parent,omitempty"`
	Grouping ActivityList `json:"grouping,omitempty"`
	Category ActivityList `json:"category,omitempty"`
	Other    ActivityList `json:"other,omitempty"`
}

// ByRelation returns the activities for a relation type.
func (c *ContextActivities) ByRelation(relation string) ActivityList {
	if c == nil {
		return nil
	}
	switch relation {
	case "parent":
		return c.Parent
	case "grouping":
		return c.Grouping
	case "category":
		return c.Category
	case "other":
		return c.Other
	default:
		return nil
	}
}

// Context supplies additional meaning to a statement.
type Context struct {
	Registration      string                 `json:"registration,omitempty"`
	Instructor        *Actor                 `json:"instructor,omitempty"`
	Team              *Actor                 `json:"team,omitempty"`
	ContextActivities *ContextActivities     `json:"contextActivities,omitempty"`
	Revision          string                 `json:"revision,omitempty"`
	Platform          string                 `json:"platform,omitempty"`
	Language          string                 `json:"language,omitempty"`
	Statement         *StatementRef          `json:"statement,omitempty"`
	Extensions        map[string]interface{} `json:"extensions,omitempty"`
}

// Attachment is attachment metadata. Attachment payloads are not stored.
type Attachment struct {
	UsageType   string      `json:"usageType"`
	Display     LanguageMap `json:"display"`
	Description LanguageMap `json:"description,omitempty"`
	ContentType string      `json:"contentType"`
	Length      int64       `json:"length"`
	SHA2        string      `json:"sha2"`
	FileURL     string      `json:"fileUrl,omitempty"`
}

// SubStatement is a statement nested as the object of another statement.
type SubStatement struct {
	ObjectType  string           `json:"objectType"`
	ID          string           `json:"id,omitempty"`
	Actor       *Actor           `json:"actor,omitempty"`
	Verb        *Verb            `json:"verb,omitempty"`
	Object      *StatementObject `json:"object,omitempty"`
	Result      *Result          `json:"result,omitempty"`
	Context     *Context         `json:"context,omitempty"`
	Timestamp   *time.Time       `json:"timestamp,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
}

// StatementObject is the tagged union of everything a statement can target.
// Exactly one variant pointer is set and matches ObjectType.
type StatementObject struct {
	ObjectType   string
	Activity     *Activity
	Actor        *Actor
	StatementRef *StatementRef
	SubStatement *SubStatement
}

// NewActivityObject wraps an activity as a statement object.
func NewActivityObject(activity Activity) *StatementObject {
	activity.ObjectType = "Activity"
	return &StatementObject{ObjectType: "Activity", Activity: &activity}
}

// NewActorObject wraps an agent or group as a statement object.
func NewActorObject(actor Actor) *StatementObject {
	if actor.ObjectType == "" {
		actor.ObjectType = "Agent"
	}
	return &StatementObject{ObjectType: actor.ObjectType, Actor: &actor}
}

// NewStatementRefObject wraps a statement reference as a statement object.
func NewStatementRefObject(id string) *StatementObject {
	return &StatementObject{ObjectType: "StatementRef", StatementRef: &StatementRef{ObjectType: "StatementRef", ID: id}}
}

// NewSubStatementObject wraps a sub-statement as a statement object.
func NewSubStatementObject(sub SubStatement) *StatementObject {
	sub.ObjectType = "SubStatement"
	return &StatementObject{ObjectType: "SubStatement", SubStatement: &sub}
}

// UnmarshalJSON dispatches on objectType; a missing discriminator means Activity.
func (o *StatementObject) UnmarshalJSON(data []byte) error {
	var probe objectTypeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	switch probe.ObjectType {
	case "", "Activity":
		var activity Activity
		if err := json.Unmarshal(data, &activity); err != nil {
			return err
		}
		*o = *NewActivityObject(activity)
	case "Agent", "Group":
		var actor Actor
		if err := json.Unmarshal(data, &actor); err != nil {
			return err
		}
		*o = *NewActorObject(actor)
	case "StatementRef":
		var ref StatementRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return err
		}
		*o = *NewStatementRefObject(ref.ID)
	case "SubStatement":
		var sub SubStatement
		if err := json.Unmarshal(data, &sub); err != nil {
			return err
		}
		*o = *NewSubStatementObject(sub)
	default:
		return fmt.Errorf("unsupported object type %q", probe.ObjectType)
	}
	return nil
}

// MarshalJSON encodes the active variant.
func (o StatementObject) MarshalJSON() ([]byte, error) {
	switch o.ObjectType {
	case "Activity":
		if o.Activity != nil {
			return json.Marshal(o.Activity)
		}
	case "Agent", "Group":
		if o.Actor != nil {
			return json.Marshal(o.Actor)
		}
	case "StatementRef":
		if o.StatementRef != nil {
			return json.Marshal(o.StatementRef)
		}
	case "SubStatement":
		if o.SubStatement != nil {
			return json.Marshal(o.SubStatement)
		}
	}
	return nil, fmt.Errorf("statement object %q has no payload", o.ObjectType)
}

// Statement is the xAPI wire representation of a statement.
type Statement struct {
	ID          string           `json:"id,omitempty"`
	Actor       *Actor           `json:"actor,omitempty"`
	Verb        *Verb            `json:"verb,omitempty"`
	Object      *StatementObject `json:"object,omitempty"`
	Result      *Result          `json:"result,omitempty"`
	Context     *Context         `json:"context,omitempty"`
	Timestamp   *time.Time       `json:"timestamp,omitempty"`
	Stored      *time.Time       `json:"stored,omitempty"`
	Authority   *Actor           `json:"authority,omitempty"`
	Version     string           `json:"version,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
}

// FromSubStatement synthesises a statement from a sub-statement so it can be
// stored as its own record.
func FromSubStatement(sub SubStatement) Statement {
	return Statement{
		ID:          sub.ID,
		Actor:       sub.Actor,
		Verb:        sub.Verb,
		Object:      sub.Object,
		Result:      sub.Result,
		Context:     sub.Context,
		Timestamp:   sub.Timestamp,
		Attachments: sub.Attachments,
	}
}

// DecodeStatements parses a request body holding a single statement or an
// array of statements. The boolean reports whether the body was an array.
func DecodeStatements(body []byte) ([]Statement, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("request body is required")
	}

	if trimmed[0] == '[' {
		var batch []Statement
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, true, fmt.Errorf("invalid statement batch: %w", err)
		}
		if len(batch) == 0 {
			return nil, true, fmt.Errorf("statement batch is empty")
		}
		return batch, true, nil
	}

	var single Statement
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, false, fmt.Errorf("invalid statement: %w", err)
	}
	return []Statement{single}, false, nil
}
