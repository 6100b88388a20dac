package hierarchy

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/iota-uz/teamgraph/modules/hierarchy/infrastructure/persistence"
	"github.com/iota-uz/teamgraph/modules/hierarchy/infrastructure/projection"
	"github.com/iota-uz/teamgraph/modules/hierarchy/services"
	"github.com/iota-uz/teamgraph/pkg/composables"
	"github.com/iota-uz/teamgraph/pkg/configuration"
	"github.com/iota-uz/teamgraph/pkg/eventbus"
)

// Module wires the hierarchy engine together: registry and ledger services
// over Postgres, the resolver over both, and the projection over the
// configured store.
type Module struct {
	Teams       *services.TeamService
	Memberships *services.MembershipService
	Resolver    *services.Resolver
	Projection  *services.ProjectionService
	Bus         eventbus.EventBusWithError

	pool  *pgxpool.Pool
	redis *redis.Client
}

func New(ctx context.Context, conf *configuration.Configuration) (*Module, error) {
	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		return nil, err
	}

	log := conf.Logger()
	clock := clockwork.NewRealClock()
	bus := eventbus.NewEventPublisher(log)

	teams := persistence.NewTeamRepository()
	edges := persistence.NewMembershipRepository()
	resolver := services.NewResolver(teams, edges, clock)

	var (
		store       services.ProjectionStore
		redisClient *redis.Client
	)
	switch conf.Projection.Store {
	case "redis":
		redisClient = redis.NewClient(&redis.Options{Addr: conf.Projection.RedisURL})
		store = projection.NewRedisStore(redisClient, conf.Projection.RedisKey)
	default:
		store = projection.NewMemoryStore()
	}

	return &Module{
		Teams:       services.NewTeamService(teams, clock, bus, log),
		Memberships: services.NewMembershipService(teams, edges, resolver, clock, bus, log),
		Resolver:    resolver,
		Projection: services.NewProjectionService(
			teams, edges, resolver, store, clock, log,
			conf.Projection.FreshnessBudget, conf.Projection.RefreshTimeout,
		),
		Bus:   bus,
		pool:  pool,
		redis: redisClient,
	}, nil
}

// WithContext attaches the module's connection pool so repositories invoked
// from ctx can reach the database.
func (m *Module) WithContext(ctx context.Context) context.Context {
	return composables.WithPool(ctx, m.pool)
}

func (m *Module) Close() error {
	m.pool.Close()
	if m.redis != nil {
		return m.redis.Close()
	}
	return nil
}
