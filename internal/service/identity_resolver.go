package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lrs/internal/dto"
	"github.com/noah-isme/gema-lrs/internal/models"
	"github.com/noah-isme/gema-lrs/internal/repository"
)

const identityCreateAttempts = 3

// IFI kinds in precedence order.
const (
	ifiMbox        = "mbox"
	ifiMboxSHA1Sum = "mbox_sha1sum"
	ifiOpenID      = "openid"
	ifiAccount     = "account"
)

// actorIdentifier is the first-present inverse functional identifier of an actor.
type actorIdentifier struct {
	kind   string
	key    string
	lookup repository.AgentIdentifier
}

// identifierOf inspects the IFIs in precedence order and returns the first
// non-empty one. Later IFIs are never consulted.
func identifierOf(actor dto.Actor) (actorIdentifier, bool) {
	switch {
	case actor.Mbox != "":
		return actorIdentifier{
			kind:   ifiMbox,
			key:    ifiMbox + "|" + actor.Mbox,
			lookup: repository.AgentIdentifier{Mbox: actor.Mbox},
		}, true
	case actor.MboxSHA1Sum != "":
		return actorIdentifier{
			kind:   ifiMboxSHA1Sum,
			key:    ifiMboxSHA1Sum + "|" + actor.MboxSHA1Sum,
			lookup: repository.AgentIdentifier{MboxSHA1Sum: actor.MboxSHA1Sum},
		}, true
	case actor.OpenID != "":
		return actorIdentifier{
			kind:   ifiOpenID,
			key:    ifiOpenID + "|" + actor.OpenID,
			lookup: repository.AgentIdentifier{OpenID: actor.OpenID},
		}, true
	case actor.Account != nil && actor.Account.HomePage != "" && actor.Account.Name != "":
		return actorIdentifier{
			kind: ifiAccount,
			key:  accountKey(actor.Account.HomePage, actor.Account.Name),
			lookup: repository.AgentIdentifier{
				AccountHomePage: actor.Account.HomePage,
				AccountName:     actor.Account.Name,
			},
		}, true
	default:
		return actorIdentifier{}, false
	}
}

// accountKey length-prefixes the home page so that no two distinct accounts
// share a key.
func accountKey(homePage, name string) string {
	return ifiAccount + "|" + strconv.Itoa(len(homePage)) + ":" + homePage + "|" + name
}

// identityKeyOf returns the identity key of a stored agent, mirroring identifierOf.
func identityKeyOf(agent models.Agent) string {
	actor := dto.NewActorResponse(agent)
	if identifier, ok := identifierOf(actor); ok {
		return identifier.key
	}
	return ""
}

// IdentityResolver maps actor payloads to stable agent identities.
type IdentityResolver interface {
	// Resolve looks up an existing identity. Actors without a usable IFI and
	// unknown actors report found == false without an error.
	Resolve(ctx context.Context, actor dto.Actor) (models.Agent, bool, error)
	// ResolveOrCreate returns the matching identity or persists a new one.
	ResolveOrCreate(ctx context.Context, actor dto.Actor) (models.Agent, error)
	// WithStore binds the resolver to a transactional store.
	WithStore(store repository.Store) IdentityResolver
}

type identityResolver struct {
	store  repository.Store
	locks  *keyedMutex
	logger zerolog.Logger
}

// NewIdentityResolver constructs an IdentityResolver instance.
func NewIdentityResolver(store repository.Store, logger zerolog.Logger) IdentityResolver {
	return &identityResolver{
		store:  store,
		locks:  newKeyedMutex(),
		logger: logger.With().Str("component", "identity_resolver").Logger(),
	}
}

func (r *identityResolver) WithStore(store repository.Store) IdentityResolver {
	return &identityResolver{store: store, locks: r.locks, logger: r.logger}
}

func (r *identityResolver) Resolve(ctx context.Context, actor dto.Actor) (models.Agent, bool, error) {
	identifier, ok := identifierOf(actor)
	if !ok {
		return models.Agent{}, false, nil
	}

	return r.lookup(ctx, r.store, identifier)
}

func (r *identityResolver) lookup(ctx context.Context, store repository.Store, identifier actorIdentifier) (models.Agent, bool, error) {
	agent, err := store.Agents().FindByIdentifier(ctx, identifier.lookup)
	if err != nil {
		if repository.IsNotFound(err) {
			return models.Agent{}, false, nil
		}
		return models.Agent{}, false, fmt.Errorf("lookup agent by %s: %w", identifier.kind, err)
	}

	return agent, true, nil
}

func (r *identityResolver) ResolveOrCreate(ctx context.Context, actor dto.Actor) (models.Agent, error) {
	identifier, ok := identifierOf(actor)
	if !ok {
		return r.create(ctx, r.store, actor, nil)
	}

	if agent, found, err := r.lookup(ctx, r.store, identifier); err != nil || found {
		return agent, err
	}

	release := r.locks.Lock(identifier.key)
	defer release()

	var lastErr error
	for attempt := 1; attempt <= identityCreateAttempts; attempt++ {
		if agent, found, err := r.lookup(ctx, r.store, identifier); err != nil || found {
			return agent, err
		}

		var created models.Agent
		err := r.store.Transaction(ctx, func(tx repository.Store) error {
			agent, err := r.create(ctx, tx, actor, &identifier.key)
			created = agent
			return err
		})
		if err == nil {
			return created, nil
		}
		if !repository.IsDuplicateKey(err) {
			return models.Agent{}, err
		}

		lastErr = err
		r.logger.Debug().
			Str("ifi", identifier.kind).
			Int("attempt", attempt).
			Msg("agent created concurrently, retrying lookup")
	}

	if agent, found, err := r.lookup(ctx, r.store, identifier); err != nil || found {
		return agent, err
	}

	return models.Agent{}, fmt.Errorf("resolve agent by %s: %w", identifier.kind, lastErr)
}

// create persists a new identity with every declared IFI and, for groups,
// resolves each member and records the membership.
func (r *identityResolver) create(ctx context.Context, store repository.Store, actor dto.Actor, ifiKey *string) (models.Agent, error) {
	objectType := models.ObjectTypeAgent
	if actor.IsGroup() {
		objectType = models.ObjectTypeGroup
	}

	agent := models.Agent{
		ObjectType:  objectType,
		Name:        actor.Name,
		Mbox:        actor.Mbox,
		MboxSHA1Sum: actor.MboxSHA1Sum,
		OpenID:      actor.OpenID,
		IFIKey:      ifiKey,
	}
	if actor.Account != nil {
		agent.AccountHomePage = actor.Account.HomePage
		agent.AccountName = actor.Account.Name
	}

	if err := store.Agents().Create(ctx, &agent); err != nil {
		return models.Agent{}, err
	}

	if !actor.IsGroup() || len(actor.Member) == 0 {
		return agent, nil
	}

	memberResolver := r.WithStore(store)
	memberIDs := make([]uint, 0, len(actor.Member))
	for _, member := range actor.Member {
		if member.IsGroup() {
			return models.Agent{}, validationErrorf("group members must be agents")
		}
		resolved, err := memberResolver.ResolveOrCreate(ctx, member)
		if err != nil {
			return models.Agent{}, fmt.Errorf("resolve group member: %w", err)
		}
		memberIDs = append(memberIDs, resolved.ID)
		agent.Members = append(agent.Members, resolved)
	}

	if err := store.Agents().AddMembers(ctx, agent.ID, memberIDs); err != nil {
		return models.Agent{}, err
	}

	r.logger.Debug().Uint("agent_id", agent.ID).Int("members", len(memberIDs)).Msg("group identity created")

	return agent, nil
}
