package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-lrs/internal/dto"
	"github.com/noah-isme/gema-lrs/internal/models"
)

func TestStatementServiceStoreAssignsIDAndDefaults(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	statement := activityStatement("", "learner@example.com", testVerbExperienced, "http://example.com/course")
	id, err := env.statements.Store(ctx, statement, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	result, err := env.queries.Query(ctx, dto.StatementQuery{StatementID: id})
	require.NoError(t, err)
	require.Len(t, result.Statements, 1)

	stored := result.Statements[0]
	require.Equal(t, id, stored.ID)
	require.Equal(t, DefaultXAPIVersion, stored.Version)
	require.NotNil(t, stored.Stored)
	require.NotNil(t, stored.Timestamp)
	require.Equal(t, "mailto:learner@example.com", stored.Actor.Mbox)
	require.Equal(t, "Agent", stored.Actor.ObjectType)
	require.Equal(t, testVerbExperienced, stored.Verb.ID)
	require.Equal(t, "Activity", stored.Object.ObjectType)
	require.Equal(t, "http://example.com/course", stored.Object.Activity.ID)
}

func TestStatementServiceIdempotentResubmission(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	statement := activityStatement("6c1f0fd4-5f0c-4b3a-8fd5-0a7b5e6f1f01", "learner@example.com", testVerbExperienced, "http://example.com/course")
	first, err := env.statements.Store(ctx, statement, "")
	require.NoError(t, err)

	second, err := env.statements.Store(ctx, statement, "")
	require.NoError(t, err)
	require.Equal(t, first, second)

	var count int64
	require.NoError(t, env.db.Model(&models.Statement{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestStatementServiceConflictingResubmission(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	id := "6c1f0fd4-5f0c-4b3a-8fd5-0a7b5e6f1f02"
	_, err := env.statements.Store(ctx, activityStatement(id, "learner@example.com", testVerbExperienced, "http://example.com/course"), "")
	require.NoError(t, err)

	_, err = env.statements.Store(ctx, activityStatement(id, "learner@example.com", testVerbCompleted, "http://example.com/course"), "")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConflict))

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, id, conflict.StatementID)
	require.Equal(t, "verb", conflict.Reason)

	result, err := env.queries.Query(ctx, dto.StatementQuery{StatementID: id})
	require.NoError(t, err)
	require.Len(t, result.Statements, 1)
	require.Equal(t, testVerbExperienced, result.Statements[0].Verb.ID)
}

func TestStatementServiceResubmissionComparesResolvedIdentity(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	_, err := env.statements.Store(ctx, activityStatement("agent-first", "shared@example.com", testVerbExperienced, "http://example.com/course"), "")
	require.NoError(t, err)

	groupDeclared := dto.Statement{
		ID:     "group-declared",
		Actor:  &dto.Actor{ObjectType: "Group", Mbox: "mailto:shared@example.com"},
		Verb:   &dto.Verb{ID: testVerbExperienced},
		Object: dto.NewActorObject(dto.Actor{ObjectType: "Group", Mbox: "mailto:shared@example.com"}),
	}
	first, err := env.statements.Store(ctx, groupDeclared, "")
	require.NoError(t, err)

	second, err := env.statements.Store(ctx, groupDeclared, "")
	require.NoError(t, err)
	require.Equal(t, first, second)

	otherObject := groupDeclared
	otherObject.Object = dto.NewActorObject(dto.Actor{ObjectType: "Group", Mbox: "mailto:other@example.com"})
	_, err = env.statements.Store(ctx, otherObject, "")
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "object identity", conflict.Reason)

	otherActor := groupDeclared
	otherActor.Actor = mboxActor("other@example.com")
	_, err = env.statements.Store(ctx, otherActor, "")
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "actor", conflict.Reason)
}

func TestStatementServiceSubStatementResubmissionConflict(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	parentWith := func(verb string) dto.Statement {
		return dto.Statement{
			ID:    "parent-3",
			Actor: mboxActor("outer@example.com"),
			Verb:  &dto.Verb{ID: testVerbExperienced},
			Object: dto.NewSubStatementObject(dto.SubStatement{
				Actor:  mboxActor("inner@example.com"),
				Verb:   &dto.Verb{ID: verb},
				Object: dto.NewActivityObject(dto.Activity{ID: "http://example.com/inner"}),
			}),
		}
	}

	_, err := env.statements.Store(ctx, parentWith(testVerbExperienced), "")
	require.NoError(t, err)

	_, err = env.statements.Store(ctx, parentWith(testVerbExperienced), "")
	require.NoError(t, err)

	_, err = env.statements.Store(ctx, parentWith(testVerbCompleted), "")
	require.True(t, errors.Is(err, ErrConflict))

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "sub-statement verb", conflict.Reason)

	var count int64
	require.NoError(t, env.db.Model(&models.Statement{}).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestStatementServiceIDOverrideMismatch(t *testing.T) {
	env := newTestEnv(t, true)

	statement := activityStatement("aaa", "learner@example.com", testVerbExperienced, "http://example.com/course")
	_, err := env.statements.Store(context.Background(), statement, "bbb")
	require.True(t, errors.Is(err, ErrValidation))
}

func TestStatementServiceRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	cases := map[string]dto.Statement{
		"actor": {
			Verb:   &dto.Verb{ID: testVerbExperienced},
			Object: dto.NewActivityObject(dto.Activity{ID: "http://example.com/a"}),
		},
		"verb": {
			Actor:  mboxActor("a@example.com"),
			Object: dto.NewActivityObject(dto.Activity{ID: "http://example.com/a"}),
		},
		"object": {
			Actor: mboxActor("a@example.com"),
			Verb:  &dto.Verb{ID: testVerbExperienced},
		},
		"activity id": {
			Actor:  mboxActor("a@example.com"),
			Verb:   &dto.Verb{ID: testVerbExperienced},
			Object: dto.NewActivityObject(dto.Activity{}),
		},
	}

	for name, statement := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.statements.Store(ctx, statement, "")
			require.True(t, errors.Is(err, ErrValidation), "unexpected error: %v", err)
		})
	}

	var count int64
	require.NoError(t, env.db.Model(&models.Statement{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestStatementServiceBatchDuplicateIDsPersistNothing(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	batch := []dto.Statement{
		activityStatement("dup", "a@example.com", testVerbExperienced, "http://example.com/a"),
		activityStatement("other", "b@example.com", testVerbExperienced, "http://example.com/b"),
		activityStatement("dup", "a@example.com", testVerbExperienced, "http://example.com/a"),
	}

	_, err := env.statements.StoreMany(ctx, batch)
	require.True(t, errors.Is(err, ErrValidation))

	for _, model := range []interface{}{&models.Statement{}, &models.Agent{}, &models.Verb{}, &models.Activity{}} {
		var count int64
		require.NoError(t, env.db.Model(model).Count(&count).Error)
		require.Zero(t, count)
	}
}

func TestStatementServiceBatchIsAtomic(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	existing := activityStatement("taken", "a@example.com", testVerbExperienced, "http://example.com/a")
	_, err := env.statements.Store(ctx, existing, "")
	require.NoError(t, err)

	batch := []dto.Statement{
		activityStatement("fresh", "new@example.com", testVerbCompleted, "http://example.com/new"),
		activityStatement("taken", "a@example.com", testVerbCompleted, "http://example.com/a"),
	}
	_, err = env.statements.StoreMany(ctx, batch)
	require.True(t, errors.Is(err, ErrConflict))

	result, err := env.queries.Query(ctx, dto.StatementQuery{StatementID: "fresh"})
	require.NoError(t, err)
	require.Empty(t, result.Statements)

	var agents int64
	require.NoError(t, env.db.Model(&models.Agent{}).Where("mbox = ?", "mailto:new@example.com").Count(&agents).Error)
	require.Zero(t, agents)
}

func TestStatementServiceBatchReturnsIDsInOrder(t *testing.T) {
	env := newTestEnv(t, true)

	batch := []dto.Statement{
		activityStatement("b-1", "a@example.com", testVerbExperienced, "http://example.com/a"),
		activityStatement("", "a@example.com", testVerbExperienced, "http://example.com/a"),
		activityStatement("b-3", "a@example.com", testVerbCompleted, "http://example.com/a"),
	}

	ids, err := env.statements.StoreMany(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.Equal(t, "b-1", ids[0])
	require.NotEmpty(t, ids[1])
	require.Equal(t, "b-3", ids[2])

	var verbs int64
	require.NoError(t, env.db.Model(&models.Verb{}).Count(&verbs).Error)
	require.EqualValues(t, 2, verbs)
}

func TestStatementServiceConcurrentSameID(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	statement := activityStatement("concurrent", "racer@example.com", testVerbExperienced, "http://example.com/race")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.statements.Store(ctx, statement, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	var statements, agents int64
	require.NoError(t, env.db.Model(&models.Statement{}).Count(&statements).Error)
	require.NoError(t, env.db.Model(&models.Agent{}).Count(&agents).Error)
	require.EqualValues(t, 1, statements)
	require.EqualValues(t, 1, agents)
}

func TestStatementServiceConcurrentSharedActor(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	const workers = 6
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statement := activityStatement(fmt.Sprintf("shared-%d", i), "shared@example.com", testVerbExperienced, "http://example.com/shared")
			_, err := env.statements.Store(ctx, statement, "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	var agents, verbs, activities int64
	require.NoError(t, env.db.Model(&models.Agent{}).Count(&agents).Error)
	require.NoError(t, env.db.Model(&models.Verb{}).Count(&verbs).Error)
	require.NoError(t, env.db.Model(&models.Activity{}).Count(&activities).Error)
	require.EqualValues(t, 1, agents)
	require.EqualValues(t, 1, verbs)
	require.EqualValues(t, 1, activities)
}

func TestStatementServiceSubStatementStoredAsRecord(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	sub := dto.SubStatement{
		ID:     "sub-1",
		Actor:  mboxActor("inner@example.com"),
		Verb:   &dto.Verb{ID: testVerbCompleted},
		Object: dto.NewActivityObject(dto.Activity{ID: "http://example.com/inner"}),
	}
	parent := dto.Statement{
		ID:     "parent-1",
		Actor:  mboxActor("outer@example.com"),
		Verb:   &dto.Verb{ID: testVerbExperienced},
		Object: dto.NewSubStatementObject(sub),
	}

	_, err := env.statements.Store(ctx, parent, "")
	require.NoError(t, err)

	result, err := env.queries.Query(ctx, dto.StatementQuery{StatementID: "parent-1"})
	require.NoError(t, err)
	require.Len(t, result.Statements, 1)

	object := result.Statements[0].Object
	require.Equal(t, "SubStatement", object.ObjectType)
	require.NotNil(t, object.SubStatement)
	require.Equal(t, "mailto:inner@example.com", object.SubStatement.Actor.Mbox)
	require.Equal(t, "http://example.com/inner", object.SubStatement.Object.Activity.ID)

	sibling, err := env.queries.Query(ctx, dto.StatementQuery{StatementID: "sub-1"})
	require.NoError(t, err)
	require.Len(t, sibling.Statements, 1)

	all, err := env.queries.Query(ctx, dto.StatementQuery{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"parent-1", "sub-1"}, statementIDs(all.Statements))
}

func TestStatementServiceSubStatementHiddenWhenNotQueryable(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	parent := dto.Statement{
		ID:    "parent-2",
		Actor: mboxActor("outer@example.com"),
		Verb:  &dto.Verb{ID: testVerbExperienced},
		Object: dto.NewSubStatementObject(dto.SubStatement{
			ID:     "sub-2",
			Actor:  mboxActor("inner@example.com"),
			Verb:   &dto.Verb{ID: testVerbCompleted},
			Object: dto.NewActivityObject(dto.Activity{ID: "http://example.com/inner"}),
		}),
	}
	_, err := env.statements.Store(ctx, parent, "")
	require.NoError(t, err)

	single, err := env.queries.Query(ctx, dto.StatementQuery{StatementID: "sub-2"})
	require.NoError(t, err)
	require.Empty(t, single.Statements)

	all, err := env.queries.Query(ctx, dto.StatementQuery{})
	require.NoError(t, err)
	require.Equal(t, []string{"parent-2"}, statementIDs(all.Statements))
}

func TestStatementServiceRejectsNestedSubStatement(t *testing.T) {
	env := newTestEnv(t, true)

	inner := dto.SubStatement{
		Actor:  mboxActor("inner@example.com"),
		Verb:   &dto.Verb{ID: testVerbCompleted},
		Object: dto.NewActivityObject(dto.Activity{ID: "http://example.com/inner"}),
	}
	middle := dto.SubStatement{
		Actor:  mboxActor("middle@example.com"),
		Verb:   &dto.Verb{ID: testVerbCompleted},
		Object: dto.NewSubStatementObject(inner),
	}
	parent := dto.Statement{
		Actor:  mboxActor("outer@example.com"),
		Verb:   &dto.Verb{ID: testVerbExperienced},
		Object: dto.NewSubStatementObject(middle),
	}

	_, err := env.statements.Store(context.Background(), parent, "")
	require.True(t, errors.Is(err, ErrValidation))

	var count int64
	require.NoError(t, env.db.Model(&models.Statement{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestStatementServiceRejectsSubStatementReusingParentID(t *testing.T) {
	env := newTestEnv(t, true)

	parent := dto.Statement{
		ID:    "same-id",
		Actor: mboxActor("outer@example.com"),
		Verb:  &dto.Verb{ID: testVerbExperienced},
		Object: dto.NewSubStatementObject(dto.SubStatement{
			ID:     "same-id",
			Actor:  mboxActor("inner@example.com"),
			Verb:   &dto.Verb{ID: testVerbCompleted},
			Object: dto.NewActivityObject(dto.Activity{ID: "http://example.com/inner"}),
		}),
	}

	_, err := env.statements.Store(context.Background(), parent, "")
	require.True(t, errors.Is(err, ErrValidation))

	var count int64
	require.NoError(t, env.db.Model(&models.Statement{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestStatementServiceRejectsOverlongIDs(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	long := strings.Repeat("x", models.MaxStatementIDLength+1)

	t.Run("statement id", func(t *testing.T) {
		_, err := env.statements.Store(ctx, activityStatement(long, "learner@example.com", testVerbExperienced, "http://example.com/course"), "")
		require.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("statement reference", func(t *testing.T) {
		statement := activityStatement("", "learner@example.com", models.VoidedVerbIRI, "")
		statement.Object = dto.NewStatementRefObject(long)
		_, err := env.statements.Store(ctx, statement, "")
		require.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("registration", func(t *testing.T) {
		statement := activityStatement("", "learner@example.com", testVerbExperienced, "http://example.com/course")
		statement.Context = &dto.Context{Registration: long}
		_, err := env.statements.Store(ctx, statement, "")
		require.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("batch", func(t *testing.T) {
		_, err := env.statements.StoreMany(ctx, []dto.Statement{
			activityStatement(long, "learner@example.com", testVerbExperienced, "http://example.com/course"),
		})
		require.True(t, errors.Is(err, ErrValidation))
	})

	id := strings.Repeat("y", models.MaxStatementIDLength)
	stored, err := env.statements.Store(ctx, activityStatement(id, "learner@example.com", testVerbExperienced, "http://example.com/course"), "")
	require.NoError(t, err)
	require.Equal(t, id, stored)

	var count int64
	require.NoError(t, env.db.Model(&models.Statement{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestStatementServiceContextAndAttachmentsRoundTrip(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	success := true
	statement := activityStatement("ctx-1", "learner@example.com", testVerbCompleted, "http://example.com/lesson")
	statement.Result = &dto.Result{Success: &success, Response: "42"}
	statement.Context = &dto.Context{
		Registration: "ec531277-b57b-4c15-8d91-d292c5b2b8f7",
		Instructor:   mboxActor("instructor@example.com"),
		Platform:     "web",
		ContextActivities: &dto.ContextActivities{
			Parent:   dto.ActivityList{{ID: "http://example.com/course"}},
			Category: dto.ActivityList{{ID: "http://example.com/profile"}, {ID: "http://example.com/profile-2"}},
		},
		Extensions: map[string]interface{}{"http://example.com/ext": "value"},
	}
	statement.Attachments = []dto.Attachment{{
		UsageType:   "http://example.com/usage",
		Display:     dto.LanguageMap{"en-US": "certificate"},
		ContentType: "application/pdf",
		Length:      1024,
		SHA2:        "abc123",
	}}

	_, err := env.statements.Store(ctx, statement, "")
	require.NoError(t, err)

	result, err := env.queries.Query(ctx, dto.StatementQuery{StatementID: "ctx-1"})
	require.NoError(t, err)
	require.Len(t, result.Statements, 1)

	stored := result.Statements[0]
	require.NotNil(t, stored.Result)
	require.Equal(t, "42", stored.Result.Response)
	require.NotNil(t, stored.Context)
	require.Equal(t, "ec531277-b57b-4c15-8d91-d292c5b2b8f7", stored.Context.Registration)
	require.Equal(t, "mailto:instructor@example.com", stored.Context.Instructor.Mbox)
	require.Equal(t, "web", stored.Context.Platform)
	require.Len(t, stored.Context.ContextActivities.Parent, 1)
	require.Equal(t, []string{"http://example.com/profile", "http://example.com/profile-2"},
		[]string{stored.Context.ContextActivities.Category[0].ID, stored.Context.ContextActivities.Category[1].ID})
	require.Equal(t, "value", stored.Context.Extensions["http://example.com/ext"])
	require.Len(t, stored.Attachments, 1)
	require.Equal(t, "certificate", stored.Attachments[0].Display["en-US"])
}

func TestStatementServicePreservesCallerTimes(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 10, 30, 0, 123456789, time.FixedZone("WIB", 7*3600))
	statement := storedAt(activityStatement("times", "learner@example.com", testVerbExperienced, "http://example.com/a"), at)

	_, err := env.statements.Store(ctx, statement, "")
	require.NoError(t, err)

	result, err := env.queries.Query(ctx, dto.StatementQuery{StatementID: "times"})
	require.NoError(t, err)
	require.Len(t, result.Statements, 1)
	require.True(t, at.Truncate(time.Microsecond).Equal(*result.Statements[0].Stored))
	require.True(t, at.Truncate(time.Microsecond).Equal(*result.Statements[0].Timestamp))
}

type recordingEvents struct {
	mu     sync.Mutex
	events []dto.StatementEvent
}

func (r *recordingEvents) Publish(_ context.Context, event dto.StatementEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) Subscribe(string) (<-chan dto.StatementEvent, func()) {
	ch := make(chan dto.StatementEvent)
	return ch, func() {}
}

func (r *recordingEvents) Start(context.Context) {}

func TestStatementServicePublishesTopLevelEventsOnly(t *testing.T) {
	env := newTestEnv(t, true)
	events := &recordingEvents{}
	svc := NewStatementService(env.store, env.identities, env.canonical, env.voids, events, nil, StatementServiceConfig{}, zerolog.Nop())
	ctx := context.Background()

	parent := dto.Statement{
		ID:    "evt-parent",
		Actor: mboxActor("outer@example.com"),
		Verb:  &dto.Verb{ID: testVerbExperienced},
		Object: dto.NewSubStatementObject(dto.SubStatement{
			Actor:  mboxActor("inner@example.com"),
			Verb:   &dto.Verb{ID: testVerbCompleted},
			Object: dto.NewActivityObject(dto.Activity{ID: "http://example.com/inner"}),
		}),
	}
	_, err := svc.Store(ctx, parent, "")
	require.NoError(t, err)

	_, err = svc.Store(ctx, parent, "")
	require.NoError(t, err)

	require.Len(t, events.events, 1)
	require.Equal(t, "evt-parent", events.events[0].ID)
	require.Equal(t, testVerbExperienced, events.events[0].Verb)
	require.False(t, events.events[0].Voiding)
}
