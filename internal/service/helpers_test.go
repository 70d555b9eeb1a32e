package service

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-lrs/internal/database"
	"github.com/noah-isme/gema-lrs/internal/dto"
	"github.com/noah-isme/gema-lrs/internal/repository"
)

const (
	testVerbExperienced = "http://adlnet.gov/expapi/verbs/experienced"
	testVerbCompleted   = "http://adlnet.gov/expapi/verbs/completed"
)

type testEnv struct {
	db         *gorm.DB
	store      repository.Store
	identities IdentityResolver
	canonical  CanonicalCache
	voids      VoidingIndex
	statements StatementService
	queries    StatementQueryService
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.ConnectSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return db
}

func newTestEnv(t *testing.T, subStatementsQueryable bool) testEnv {
	t.Helper()

	db := openTestDB(t)
	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())

	store := repository.NewStore(db)
	identities := NewIdentityResolver(store, logger)
	canonical := NewCanonicalCache(store, nil, time.Minute, logger)
	voids := NewVoidingIndex(store)

	return testEnv{
		db:         db,
		store:      store,
		identities: identities,
		canonical:  canonical,
		voids:      voids,
		statements: NewStatementService(store, identities, canonical, voids, nil, validate, StatementServiceConfig{}, logger),
		queries: NewStatementQueryService(store, identities, canonical, voids, validate,
			StatementQueryConfig{SubStatementsQueryable: subStatementsQueryable}, logger),
	}
}

func mboxActor(email string) *dto.Actor {
	return &dto.Actor{ObjectType: "Agent", Mbox: "mailto:" + email}
}

func activityStatement(id, email, verb, activity string) dto.Statement {
	return dto.Statement{
		ID:     id,
		Actor:  mboxActor(email),
		Verb:   &dto.Verb{ID: verb, Display: dto.LanguageMap{"en-US": "did"}},
		Object: dto.NewActivityObject(dto.Activity{ID: activity}),
	}
}

func storedAt(statement dto.Statement, at time.Time) dto.Statement {
	at = at.UTC()
	statement.Stored = &at
	statement.Timestamp = &at
	return statement
}

func boolPtr(value bool) *bool {
	return &value
}

func intPtr(value int) *int {
	return &value
}

func statementIDs(statements []dto.Statement) []string {
	ids := make([]string, 0, len(statements))
	for _, statement := range statements {
		ids = append(ids, statement.ID)
	}
	return ids
}
