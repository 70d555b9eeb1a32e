package dto

import (
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/noah-isme/gema-lrs/internal/models"
)

// NewStatementResponse converts a stored statement, with its associations
// preloaded, into the wire representation.
func NewStatementResponse(model models.Statement) Statement {
	stored := model.Stored
	timestamp := model.Timestamp

	response := Statement{
		ID:          model.StatementID,
		Actor:       actorPtr(NewActorResponse(model.Actor)),
		Verb:        verbPtr(NewVerbResponse(model.Verb)),
		Object:      newObjectResponse(model),
		Result:      decodeResult(model.Result),
		Context:     newContextResponse(model),
		Timestamp:   &timestamp,
		Stored:      &stored,
		Version:     model.Version,
		Attachments: newAttachmentResponses(model.Attachments),
	}
	if model.Authority != nil {
		response.Authority = actorPtr(NewActorResponse(*model.Authority))
	}
	return response
}

// NewSubStatementResponse renders a stored sub-statement record in its nested form.
func NewSubStatementResponse(model models.Statement) SubStatement {
	full := NewStatementResponse(model)
	return SubStatement{
		ObjectType:  models.ObjectTypeSubStatement,
		Actor:       full.Actor,
		Verb:        full.Verb,
		Object:      full.Object,
		Result:      full.Result,
		Context:     full.Context,
		Timestamp:   full.Timestamp,
		Attachments: full.Attachments,
	}
}

// NewActorResponse converts a stored identity into an Actor, including group members.
func NewActorResponse(model models.Agent) Actor {
	actor := Actor{
		ObjectType:  model.ObjectType,
		Name:        model.Name,
		Mbox:        model.Mbox,
		MboxSHA1Sum: model.MboxSHA1Sum,
		OpenID:      model.OpenID,
	}
	if actor.ObjectType == "" {
		actor.ObjectType = models.ObjectTypeAgent
	}
	if model.AccountHomePage != "" || model.AccountName != "" {
		actor.Account = &Account{HomePage: model.AccountHomePage, Name: model.AccountName}
	}
	for _, member := range model.Members {
		actor.Member = append(actor.Member, NewActorResponse(member))
	}
	return actor
}

// NewVerbResponse decodes the canonical verb payload.
func NewVerbResponse(model models.Verb) Verb {
	verb := Verb{ID: model.IRI}
	if len(model.CanonicalData) > 0 {
		var canonical Verb
		if err := json.Unmarshal(model.CanonicalData, &canonical); err == nil {
			verb.Display = canonical.Display
		}
	}
	return verb
}

// NewActivityResponse decodes the canonical activity payload.
func NewActivityResponse(model models.Activity) Activity {
	activity := Activity{ObjectType: models.ObjectTypeActivity, ID: model.IRI}
	if len(model.CanonicalData) > 0 {
		var canonical Activity
		if err := json.Unmarshal(model.CanonicalData, &canonical); err == nil {
			activity.Definition = canonical.Definition
		}
	}
	return activity
}

func newObjectResponse(model models.Statement) *StatementObject {
	switch model.ObjectType {
	case models.ObjectTypeActivity:
		if model.ObjectActivity != nil {
			return NewActivityObject(NewActivityResponse(*model.ObjectActivity))
		}
	case models.ObjectTypeAgent, models.ObjectTypeGroup:
		if model.ObjectAgent != nil {
			return NewActorObject(NewActorResponse(*model.ObjectAgent))
		}
	case models.ObjectTypeStatementRef:
		if model.ObjectStatementRef != nil {
			return NewStatementRefObject(*model.ObjectStatementRef)
		}
	case models.ObjectTypeSubStatement:
		if model.ObjectSubStatement != nil {
			return NewSubStatementObject(NewSubStatementResponse(*model.ObjectSubStatement))
		}
	}
	return nil
}

func newContextResponse(model models.Statement) *Context {
	if !model.HasContext {
		return nil
	}

	ctx := &Context{
		Revision: model.ContextRevision,
		Platform: model.ContextPlatform,
		Language: model.ContextLanguage,
	}
	if model.ContextRegistration != nil {
		ctx.Registration = *model.ContextRegistration
	}
	if model.ContextInstructor != nil {
		ctx.Instructor = actorPtr(NewActorResponse(*model.ContextInstructor))
	}
	if model.ContextTeam != nil {
		ctx.Team = actorPtr(NewActorResponse(*model.ContextTeam))
	}
	if model.ContextStatementRef != nil {
		ctx.Statement = &StatementRef{ObjectType: models.ObjectTypeStatementRef, ID: *model.ContextStatementRef}
	}
	if len(model.ContextExtensions) > 0 {
		var extensions map[string]interface{}
		if err := json.Unmarshal(model.ContextExtensions, &extensions); err == nil && len(extensions) > 0 {
			ctx.Extensions = extensions
		}
	}

	if len(model.ContextActivities) > 0 {
		activities := &ContextActivities{}
		for _, link := range model.ContextActivities {
			rendered := NewActivityResponse(link.Activity)
			switch link.RelationType {
			case models.ContextRelationParent:
				activities.Parent = append(activities.Parent, rendered)
			case models.ContextRelationGrouping:
				activities.Grouping = append(activities.Grouping, rendered)
			case models.ContextRelationCategory:
				activities.Category = append(activities.Category, rendered)
			case models.ContextRelationOther:
				activities.Other = append(activities.Other, rendered)
			}
		}
		ctx.ContextActivities = activities
	}

	return ctx
}

func newAttachmentResponses(items []models.StatementAttachment) []Attachment {
	if len(items) == 0 {
		return nil
	}

	attachments := make([]Attachment, 0, len(items))
	for _, item := range items {
		attachments = append(attachments, Attachment{
			UsageType:   item.UsageType,
			Display:     decodeLanguageMap(item.Display),
			Description: decodeLanguageMap(item.Description),
			ContentType: item.ContentType,
			Length:      item.Length,
			SHA2:        item.SHA2,
			FileURL:     item.FileURL,
		})
	}
	return attachments
}

func decodeResult(raw datatypes.JSON) *Result {
	if len(raw) == 0 {
		return nil
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}
	return &result
}

func decodeLanguageMap(raw datatypes.JSON) LanguageMap {
	if len(raw) == 0 {
		return nil
	}
	var values LanguageMap
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

func actorPtr(actor Actor) *Actor {
	return &actor
}

func verbPtr(verb Verb) *Verb {
	return &verb
}
