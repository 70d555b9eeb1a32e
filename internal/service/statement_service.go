package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-lrs/internal/dto"
	"github.com/noah-isme/gema-lrs/internal/models"
	"github.com/noah-isme/gema-lrs/internal/observability"
	"github.com/noah-isme/gema-lrs/internal/repository"
)

// DefaultXAPIVersion is the xAPI version reported by the server and assigned
// to statements that do not declare one.
const DefaultXAPIVersion = "1.0.3"

// StatementService persists immutable statements.
type StatementService interface {
	// Store persists one statement and returns its id. A non-empty idOverride
	// must equal the statement id.
	Store(ctx context.Context, statement dto.Statement, idOverride string) (string, error)
	// StoreMany persists a batch atomically and returns the ids in input order.
	StoreMany(ctx context.Context, statements []dto.Statement) ([]string, error)
}

// StatementServiceConfig tunes statement persistence.
type StatementServiceConfig struct {
	Version string
}

type statementService struct {
	store      repository.Store
	identities IdentityResolver
	canonical  CanonicalCache
	voids      VoidingIndex
	events     StatementEvents
	validator  *validator.Validate
	locks      *keyedMutex
	version    string
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
}

// NewStatementService constructs a StatementService. events may be nil.
func NewStatementService(
	store repository.Store,
	identities IdentityResolver,
	canonical CanonicalCache,
	voids VoidingIndex,
	events StatementEvents,
	validate *validator.Validate,
	cfg StatementServiceConfig,
	logger zerolog.Logger,
) StatementService {
	version := cfg.Version
	if version == "" {
		version = DefaultXAPIVersion
	}

	return &statementService{
		store:      store,
		identities: identities,
		canonical:  canonical,
		voids:      voids,
		events:     events,
		validator:  validate,
		locks:      newKeyedMutex(),
		version:    version,
		logger:     logger.With().Str("component", "statement_service").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/gema-lrs/internal/service/statement"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// txScope binds every collaborator to one transaction.
type txScope struct {
	store      repository.Store
	identities IdentityResolver
	canonical  CanonicalCache
	voids      VoidingIndex
}

func (s *statementService) bind(tx repository.Store) txScope {
	return txScope{
		store:      tx,
		identities: s.identities.WithStore(tx),
		canonical:  s.canonical.WithStore(tx),
		voids:      s.voids.WithStore(tx),
	}
}

type storedStatement struct {
	id      string
	stored  time.Time
	verb    string
	voiding bool
	nested  bool
}

type storeOutcome struct {
	created []storedStatement
}

func (s *statementService) Store(ctx context.Context, statement dto.Statement, idOverride string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "statements.store")
	defer span.End()

	if statement.ID == "" {
		statement.ID = s.newID()
	}
	if idOverride != "" && idOverride != statement.ID {
		err := validationErrorf("statement id must match statementId parameter")
		s.recordFailure(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("statement.id", statement.ID))

	release := s.locks.Lock(statement.ID)
	defer release()

	var outcome storeOutcome
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		_, err := s.storeInTx(ctx, s.bind(tx), statement, false, &outcome)
		return err
	})
	if err != nil {
		s.recordFailure(span, err)
		return "", err
	}

	s.afterCommit(ctx, outcome)
	span.SetAttributes(attribute.Int("statement.created", len(outcome.created)))

	return statement.ID, nil
}

func (s *statementService) StoreMany(ctx context.Context, statements []dto.Statement) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "statements.store_many", trace.WithAttributes(
		attribute.Int("statement.batch_size", len(statements)),
	))
	defer span.End()

	if len(statements) == 0 {
		err := validationErrorf("statement batch is empty")
		s.recordFailure(span, err)
		return nil, err
	}

	seen := make(map[string]struct{}, len(statements))
	for _, statement := range statements {
		if statement.ID == "" {
			continue
		}
		if _, duplicate := seen[statement.ID]; duplicate {
			err := validationErrorf("duplicate statement id %s in batch", statement.ID)
			s.recordFailure(span, err)
			return nil, err
		}
		seen[statement.ID] = struct{}{}
	}

	batch := make([]dto.Statement, len(statements))
	ids := make([]string, len(statements))
	for i, statement := range statements {
		if statement.ID == "" {
			statement.ID = s.newID()
		}
		if err := s.validate(statement, false); err != nil {
			s.recordFailure(span, err)
			return nil, err
		}
		batch[i] = statement
		ids[i] = statement.ID
	}

	release := s.locks.LockAll(ids)
	defer release()

	var outcome storeOutcome
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		scope := s.bind(tx)
		for _, statement := range batch {
			if _, err := s.storeInTx(ctx, scope, statement, false, &outcome); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.recordFailure(span, err)
		return nil, err
	}

	s.afterCommit(ctx, outcome)
	span.SetAttributes(attribute.Int("statement.created", len(outcome.created)))

	return ids, nil
}

// storeInTx stores one statement inside the caller's transaction. Nested
// statements are sub-statement records owned by a parent.
func (s *statementService) storeInTx(ctx context.Context, scope txScope, statement dto.Statement, nested bool, outcome *storeOutcome) (models.Statement, error) {
	existing, err := scope.store.Statements().GetByStatementID(ctx, statement.ID, true)
	if err == nil {
		if reason := statementDifference(existing, statement); reason != "" {
			observability.StatementConflicts().Inc()
			return models.Statement{}, &ConflictError{StatementID: statement.ID, Reason: reason}
		}
		return existing, nil
	}
	if !repository.IsNotFound(err) {
		return models.Statement{}, fmt.Errorf("lookup statement %s: %w", statement.ID, err)
	}

	if err := s.validate(statement, nested); err != nil {
		return models.Statement{}, err
	}

	actor, err := scope.identities.ResolveOrCreate(ctx, *statement.Actor)
	if err != nil {
		return models.Statement{}, err
	}

	verb, err := scope.canonical.ResolveVerb(ctx, *statement.Verb)
	if err != nil {
		return models.Statement{}, err
	}

	now := s.now().UTC()
	record := models.Statement{
		StatementID:    statement.ID,
		ActorID:        actor.ID,
		Actor:          actor,
		VerbID:         verb.ID,
		Verb:           verb,
		Timestamp:      normalizeTime(statement.Timestamp, now),
		Stored:         normalizeTime(statement.Stored, now),
		Version:        statement.Version,
		IsSubStatement: nested,
	}
	if record.Version == "" {
		record.Version = s.version
	}

	if err := s.resolveObject(ctx, scope, statement.Object, &record, outcome); err != nil {
		return models.Statement{}, err
	}

	if statement.Result != nil {
		payload, err := json.Marshal(statement.Result)
		if err != nil {
			return models.Statement{}, fmt.Errorf("encode result: %w", err)
		}
		record.Result = datatypes.JSON(payload)
	}

	if err := s.resolveContext(ctx, scope, statement.Context, &record); err != nil {
		return models.Statement{}, err
	}

	if statement.Authority != nil && !nested {
		authority, err := scope.identities.ResolveOrCreate(ctx, *statement.Authority)
		if err != nil {
			return models.Statement{}, err
		}
		record.AuthorityID = &authority.ID
		record.Authority = &authority
	}

	attachments, err := attachmentRecords(statement.Attachments)
	if err != nil {
		return models.Statement{}, err
	}
	record.Attachments = attachments

	if err := scope.store.Statements().Create(ctx, &record); err != nil {
		return models.Statement{}, fmt.Errorf("persist statement %s: %w", statement.ID, err)
	}

	voiding := record.IsVoiding()
	if voiding {
		if err := scope.voids.Register(ctx, *record.ObjectStatementRef, record.StatementID); err != nil {
			return models.Statement{}, err
		}
	}

	outcome.created = append(outcome.created, storedStatement{
		id:      record.StatementID,
		stored:  record.Stored,
		verb:    verb.IRI,
		voiding: voiding,
		nested:  nested,
	})

	return record, nil
}

func (s *statementService) resolveObject(ctx context.Context, scope txScope, object *dto.StatementObject, record *models.Statement, outcome *storeOutcome) error {
	switch object.ObjectType {
	case models.ObjectTypeActivity:
		activity, err := scope.canonical.ResolveActivity(ctx, *object.Activity)
		if err != nil {
			return err
		}
		record.ObjectType = models.ObjectTypeActivity
		record.ObjectActivityID = &activity.ID
		record.ObjectActivity = &activity
	case models.ObjectTypeAgent, models.ObjectTypeGroup:
		agent, err := scope.identities.ResolveOrCreate(ctx, *object.Actor)
		if err != nil {
			return err
		}
		record.ObjectType = agent.ObjectType
		record.ObjectAgentID = &agent.ID
		record.ObjectAgent = &agent
	case models.ObjectTypeStatementRef:
		ref := object.StatementRef.ID
		record.ObjectType = models.ObjectTypeStatementRef
		record.ObjectStatementRef = &ref
	case models.ObjectTypeSubStatement:
		sub := dto.FromSubStatement(*object.SubStatement)
		if sub.ID == "" {
			sub.ID = s.newID()
		}
		stored, err := s.storeInTx(ctx, scope, sub, true, outcome)
		if err != nil {
			return err
		}
		record.ObjectType = models.ObjectTypeSubStatement
		record.ObjectSubStatementID = &stored.ID
		record.ObjectSubStatement = &stored
	default:
		return validationErrorf("unsupported object type %q", object.ObjectType)
	}
	return nil
}

func (s *statementService) resolveContext(ctx context.Context, scope txScope, statementContext *dto.Context, record *models.Statement) error {
	if statementContext == nil {
		return nil
	}

	record.HasContext = true
	record.ContextRevision = statementContext.Revision
	record.ContextPlatform = statementContext.Platform
	record.ContextLanguage = statementContext.Language

	if statementContext.Registration != "" {
		registration := statementContext.Registration
		record.ContextRegistration = &registration
	}

	if statementContext.Instructor != nil {
		instructor, err := scope.identities.ResolveOrCreate(ctx, *statementContext.Instructor)
		if err != nil {
			return err
		}
		record.ContextInstructorID = &instructor.ID
		record.ContextInstructor = &instructor
	}

	if statementContext.Team != nil {
		team, err := scope.identities.ResolveOrCreate(ctx, *statementContext.Team)
		if err != nil {
			return err
		}
		record.ContextTeamID = &team.ID
		record.ContextTeam = &team
	}

	if statementContext.Statement != nil && statementContext.Statement.ID != "" {
		ref := statementContext.Statement.ID
		record.ContextStatementRef = &ref
	}

	if len(statementContext.Extensions) > 0 {
		payload, err := json.Marshal(statementContext.Extensions)
		if err != nil {
			return fmt.Errorf("encode context extensions: %w", err)
		}
		record.ContextExtensions = datatypes.JSON(payload)
	}

	for _, relation := range models.ContextRelations {
		for position, activity := range statementContext.ContextActivities.ByRelation(relation) {
			resolved, err := scope.canonical.ResolveActivity(ctx, activity)
			if err != nil {
				return err
			}
			record.ContextActivities = append(record.ContextActivities, models.ContextActivity{
				ActivityID:   resolved.ID,
				Activity:     resolved,
				RelationType: relation,
				Position:     position,
			})
		}
	}

	return nil
}

// validate checks the fields every new statement must carry.
func (s *statementService) validate(statement dto.Statement, nested bool) error {
	if len(statement.ID) > models.MaxStatementIDLength {
		return validationErrorf("statement id exceeds %d characters", models.MaxStatementIDLength)
	}
	if statement.Actor == nil {
		return validationErrorf("statement actor is required")
	}
	if statement.Verb == nil {
		return validationErrorf("statement verb is required")
	}
	if statement.Verb.ID == "" {
		return validationErrorf("statement verb id is required")
	}
	if statement.Object == nil {
		return validationErrorf("statement object is required")
	}

	switch statement.Object.ObjectType {
	case models.ObjectTypeActivity:
		if statement.Object.Activity == nil || statement.Object.Activity.ID == "" {
			return validationErrorf("activity object id is required")
		}
	case models.ObjectTypeAgent, models.ObjectTypeGroup:
		if statement.Object.Actor == nil {
			return validationErrorf("agent object is required")
		}
	case models.ObjectTypeStatementRef:
		if statement.Object.StatementRef == nil || statement.Object.StatementRef.ID == "" {
			return validationErrorf("statement reference id is required")
		}
		if len(statement.Object.StatementRef.ID) > models.MaxStatementIDLength {
			return validationErrorf("statement reference id exceeds %d characters", models.MaxStatementIDLength)
		}
	case models.ObjectTypeSubStatement:
		if nested {
			return validationErrorf("a SubStatement cannot contain a SubStatement")
		}
		if statement.Object.SubStatement == nil {
			return validationErrorf("sub-statement object is required")
		}
		if statement.Object.SubStatement.ID != "" && statement.Object.SubStatement.ID == statement.ID {
			return validationErrorf("sub-statement id must differ from its statement id")
		}
		if err := s.validate(dto.FromSubStatement(*statement.Object.SubStatement), true); err != nil {
			return err
		}
	default:
		return validationErrorf("unsupported object type %q", statement.Object.ObjectType)
	}

	if statementContext := statement.Context; statementContext != nil {
		if len(statementContext.Registration) > models.MaxStatementIDLength {
			return validationErrorf("context registration exceeds %d characters", models.MaxStatementIDLength)
		}
		if statementContext.Statement != nil && len(statementContext.Statement.ID) > models.MaxStatementIDLength {
			return validationErrorf("context statement id exceeds %d characters", models.MaxStatementIDLength)
		}
	}

	if s.validator != nil {
		if err := s.validator.Struct(statement); err != nil {
			return &ValidationError{Message: err.Error()}
		}
	}

	return nil
}

func (s *statementService) afterCommit(ctx context.Context, outcome storeOutcome) {
	for _, created := range outcome.created {
		kind := "statement"
		if created.nested {
			kind = "sub_statement"
		}
		observability.StatementsStored().WithLabelValues(kind).Inc()
		if created.voiding {
			observability.StatementsVoided().Inc()
		}

		if created.nested {
			continue
		}

		s.logger.Info().
			Str("statement_id", created.id).
			Str("verb", created.verb).
			Bool("voiding", created.voiding).
			Msg("statement stored")

		if s.events != nil {
			s.events.Publish(ctx, dto.StatementEvent{
				ID:      created.id,
				Stored:  created.stored,
				Verb:    created.verb,
				Voiding: created.voiding,
			})
		}
	}
}

func (s *statementService) recordFailure(span trace.Span, err error) {
	span.RecordError(err)

	var conflict *ConflictError
	switch {
	case errors.Is(err, ErrValidation):
		span.SetStatus(codes.Error, "validation_failed")
	case errors.As(err, &conflict):
		span.SetStatus(codes.Error, "conflict")
		s.logger.Warn().Str("statement_id", conflict.StatementID).Str("reason", conflict.Reason).Msg("statement conflict")
	default:
		span.SetStatus(codes.Error, "store_failed")
		s.logger.Error().Err(err).Msg("failed to store statement")
	}
}

// statementDifference compares a stored statement with a resubmission and
// returns the first differing aspect, or "" when they are equivalent.
func statementDifference(existing models.Statement, incoming dto.Statement) string {
	if incoming.Actor == nil || actorDiffers(*incoming.Actor, existing.Actor) {
		return "actor"
	}

	if incoming.Verb == nil || incoming.Verb.ID != existing.Verb.IRI {
		return "verb"
	}

	if incoming.Object == nil || objectKind(incoming.Object.ObjectType) != objectKind(existing.ObjectType) {
		return "object type"
	}

	switch objectKind(existing.ObjectType) {
	case models.ObjectTypeActivity:
		if incoming.Object.Activity == nil || existing.ObjectActivity == nil || incoming.Object.Activity.ID != existing.ObjectActivity.IRI {
			return "object activity"
		}
	case models.ObjectTypeAgent:
		if incoming.Object.Actor == nil || existing.ObjectAgent == nil || actorDiffers(*incoming.Object.Actor, *existing.ObjectAgent) {
			return "object identity"
		}
	case models.ObjectTypeStatementRef:
		if incoming.Object.StatementRef == nil || existing.ObjectStatementRef == nil || incoming.Object.StatementRef.ID != *existing.ObjectStatementRef {
			return "object statement reference"
		}
	case models.ObjectTypeSubStatement:
		if incoming.Object.SubStatement == nil || existing.ObjectSubStatement == nil {
			return "object sub-statement"
		}
		if reason := statementDifference(*existing.ObjectSubStatement, dto.FromSubStatement(*incoming.Object.SubStatement)); reason != "" {
			return "sub-statement " + reason
		}
	}

	return ""
}

// actorDiffers reports whether an actor payload names a different identity
// than the stored agent. Actors with an IFI resolve by that IFI alone, so the
// declared objectType only matters for actors without one.
func actorDiffers(incoming dto.Actor, existing models.Agent) bool {
	if key := actorIdentityKey(incoming); key != "" {
		return key != identityKeyOf(existing)
	}
	return identityKeyOf(existing) != "" || actorObjectType(incoming) != existing.ObjectType
}

// objectKind folds Agent and Group together since both resolve through the
// identity resolver.
func objectKind(objectType string) string {
	if objectType == models.ObjectTypeGroup {
		return models.ObjectTypeAgent
	}
	return objectType
}

func actorObjectType(actor dto.Actor) string {
	if actor.IsGroup() {
		return models.ObjectTypeGroup
	}
	return models.ObjectTypeAgent
}

func actorIdentityKey(actor dto.Actor) string {
	if identifier, ok := identifierOf(actor); ok {
		return identifier.key
	}
	return ""
}

func attachmentRecords(attachments []dto.Attachment) ([]models.StatementAttachment, error) {
	if len(attachments) == 0 {
		return nil, nil
	}

	records := make([]models.StatementAttachment, 0, len(attachments))
	for i, attachment := range attachments {
		display, err := encodeLanguageMap(attachment.Display)
		if err != nil {
			return nil, err
		}
		description, err := encodeLanguageMap(attachment.Description)
		if err != nil {
			return nil, err
		}

		records = append(records, models.StatementAttachment{
			UsageType:   attachment.UsageType,
			Display:     display,
			Description: description,
			ContentType: attachment.ContentType,
			Length:      attachment.Length,
			SHA2:        attachment.SHA2,
			FileURL:     attachment.FileURL,
			Position:    i,
		})
	}
	return records, nil
}

func encodeLanguageMap(values dto.LanguageMap) (datatypes.JSON, error) {
	if len(values) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode language map: %w", err)
	}
	return datatypes.JSON(payload), nil
}

// normalizeTime stores times in UTC at microsecond precision so values
// round-trip through every supported database.
func normalizeTime(value *time.Time, fallback time.Time) time.Time {
	if value == nil || value.IsZero() {
		return fallback.Truncate(time.Microsecond)
	}
	return value.UTC().Truncate(time.Microsecond)
}
