package service

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-lrs/internal/dto"
	"github.com/noah-isme/gema-lrs/internal/models"
	"github.com/noah-isme/gema-lrs/internal/repository"
)

// StatementQueryService answers statement fetches and searches.
type StatementQueryService interface {
	Query(ctx context.Context, query dto.StatementQuery) (dto.StatementResult, error)
}

// StatementQueryConfig tunes statement visibility.
type StatementQueryConfig struct {
	// SubStatementsQueryable exposes sub-statement records to fetch-by-id and
	// search. They are always rendered nested inside their parent.
	SubStatementsQueryable bool
}

type statementQueryService struct {
	store        repository.Store
	identities   IdentityResolver
	canonical    CanonicalCache
	voids        VoidingIndex
	validator    *validator.Validate
	subQueryable bool
	logger       zerolog.Logger
	tracer       trace.Tracer
}

// NewStatementQueryService constructs a StatementQueryService instance.
func NewStatementQueryService(
	store repository.Store,
	identities IdentityResolver,
	canonical CanonicalCache,
	voids VoidingIndex,
	validate *validator.Validate,
	cfg StatementQueryConfig,
	logger zerolog.Logger,
) StatementQueryService {
	return &statementQueryService{
		store:        store,
		identities:   identities,
		canonical:    canonical,
		voids:        voids,
		validator:    validate,
		subQueryable: cfg.SubStatementsQueryable,
		logger:       logger.With().Str("component", "statement_query_service").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/gema-lrs/internal/service/statement_query"),
	}
}

func emptyResult() dto.StatementResult {
	return dto.StatementResult{Statements: []dto.Statement{}}
}

func (s *statementQueryService) Query(ctx context.Context, query dto.StatementQuery) (dto.StatementResult, error) {
	ctx, span := s.tracer.Start(ctx, "statements.query")
	defer span.End()

	if err := s.checkModes(query); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.StatementResult{}, err
	}

	var (
		result dto.StatementResult
		err    error
	)
	switch {
	case query.StatementID != "":
		span.SetAttributes(attribute.String("query.mode", "statement_id"))
		result, err = s.byStatementID(ctx, query.StatementID)
	case query.VoidedStatementID != "":
		span.SetAttributes(attribute.String("query.mode", "voided_statement_id"))
		result, err = s.byVoidedStatementID(ctx, query.VoidedStatementID)
	default:
		span.SetAttributes(attribute.String("query.mode", "search"))
		result, err = s.search(ctx, query)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query_failed")
		s.logger.Error().Err(err).Msg("statement query failed")
		return dto.StatementResult{}, err
	}

	span.SetAttributes(attribute.Int("query.result_count", len(result.Statements)))
	return result, nil
}

// checkModes enforces that id lookups are never combined with each other or
// with search filters.
func (s *statementQueryService) checkModes(query dto.StatementQuery) error {
	if query.StatementID != "" && query.VoidedStatementID != "" {
		return validationErrorf("statementId and voidedStatementId cannot be combined")
	}
	if query.IsSingle() && query.HasFilters() {
		return validationErrorf("statementId and voidedStatementId cannot be combined with other filters")
	}
	if s.validator != nil {
		if err := s.validator.Struct(query); err != nil {
			return &ValidationError{Message: err.Error()}
		}
	}
	return nil
}

func (s *statementQueryService) byStatementID(ctx context.Context, statementID string) (dto.StatementResult, error) {
	statement, err := s.store.Statements().GetByStatementID(ctx, statementID, s.subQueryable)
	if err != nil {
		if repository.IsNotFound(err) {
			return emptyResult(), nil
		}
		return dto.StatementResult{}, fmt.Errorf("fetch statement %s: %w", statementID, err)
	}

	voided, err := s.voids.IsVoided(ctx, statementID)
	if err != nil {
		return dto.StatementResult{}, err
	}
	if voided {
		return emptyResult(), nil
	}

	return dto.StatementResult{Statements: []dto.Statement{dto.NewStatementResponse(statement)}}, nil
}

func (s *statementQueryService) byVoidedStatementID(ctx context.Context, statementID string) (dto.StatementResult, error) {
	statement, err := s.store.Statements().GetByStatementID(ctx, statementID, s.subQueryable)
	if err != nil {
		if repository.IsNotFound(err) {
			return emptyResult(), nil
		}
		return dto.StatementResult{}, fmt.Errorf("fetch voided statement %s: %w", statementID, err)
	}

	return dto.StatementResult{Statements: []dto.Statement{dto.NewStatementResponse(statement)}}, nil
}

func (s *statementQueryService) search(ctx context.Context, query dto.StatementQuery) (dto.StatementResult, error) {
	filter := repository.StatementFilter{
		RelatedAgents:        boolValue(query.RelatedAgents),
		RelatedActivities:    boolValue(query.RelatedActivities),
		Since:                query.Since,
		Until:                query.Until,
		Ascending:            boolValue(query.Ascending),
		IncludeSubStatements: s.subQueryable,
	}
	if query.Limit != nil {
		filter.Limit = *query.Limit
	}
	if query.Registration != "" {
		registration := query.Registration
		filter.Registration = &registration
	}

	if query.Agent != nil {
		agent, found, err := s.identities.Resolve(ctx, *query.Agent)
		if err != nil {
			return dto.StatementResult{}, err
		}
		if !found {
			return emptyResult(), nil
		}

		filter.AgentIDs = []uint{agent.ID}
		if filter.RelatedAgents && !agent.IsGroup() {
			groupIDs, err := s.store.Agents().GroupIDsWithMember(ctx, agent.ID)
			if err != nil {
				return dto.StatementResult{}, fmt.Errorf("list groups of agent %d: %w", agent.ID, err)
			}
			filter.AgentIDs = append(filter.AgentIDs, groupIDs...)
		}
	}

	if query.Verb != "" {
		verbID, found, err := s.canonical.LookupVerbID(ctx, query.Verb)
		if err != nil {
			return dto.StatementResult{}, err
		}
		if !found {
			return emptyResult(), nil
		}
		filter.VerbID = &verbID
	}

	if query.Activity != "" {
		activityID, found, err := s.canonical.LookupActivityID(ctx, query.Activity)
		if err != nil {
			return dto.StatementResult{}, err
		}
		if !found {
			return emptyResult(), nil
		}
		filter.ActivityID = &activityID
	}

	statements, err := s.store.Statements().Search(ctx, filter)
	if err != nil {
		return dto.StatementResult{}, fmt.Errorf("search statements: %w", err)
	}

	return dto.StatementResult{Statements: newStatementResponses(statements)}, nil
}

func newStatementResponses(statements []models.Statement) []dto.Statement {
	responses := make([]dto.Statement, 0, len(statements))
	for _, statement := range statements {
		responses = append(responses, dto.NewStatementResponse(statement))
	}
	return responses
}

func boolValue(value *bool) bool {
	return value != nil && *value
}
