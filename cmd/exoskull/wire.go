package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BGMLAI/exoskull-sub007/pkg/archive"
	"github.com/BGMLAI/exoskull-sub007/pkg/autonomy"
	"github.com/BGMLAI/exoskull-sub007/pkg/budget"
	"github.com/BGMLAI/exoskull-sub007/pkg/config"
	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/escalation"
	"github.com/BGMLAI/exoskull-sub007/pkg/executor"
	"github.com/BGMLAI/exoskull-sub007/pkg/guardian"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
	"github.com/BGMLAI/exoskull-sub007/pkg/learning"
	"github.com/BGMLAI/exoskull-sub007/pkg/observability"
	"github.com/BGMLAI/exoskull-sub007/pkg/outbox"
	"github.com/BGMLAI/exoskull-sub007/pkg/permissions"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
	"github.com/BGMLAI/exoskull-sub007/pkg/tenants"
	"github.com/BGMLAI/exoskull-sub007/pkg/timing"
	"github.com/BGMLAI/exoskull-sub007/pkg/triggers"
)

// permissionCacheTTL bounds how stale a cached decision can be on another
// instance.
const permissionCacheTTL = 5 * time.Minute

// migrator is implemented by every SQL-backed store.
type migrator interface {
	Init(ctx context.Context) error
}

// sqlStores are the SQL-backed stores, in migration order.
type sqlStores struct {
	tenants       *tenants.SQLStore
	permissions   *permissions.SQLStore
	interventions *interventions.SQLStore
	values        *guardian.SQLValueStore
	escalations   *escalation.SQLStore
	budget        *budget.SQLStorage
	preferences   *learning.SQLPreferences
	outbox        *outbox.SQLStore
	cooldowns     *triggers.SQLCooldowns
}

func newSQLStores(db *store.DB) *sqlStores {
	return &sqlStores{
		tenants:       tenants.NewSQLStore(db),
		permissions:   permissions.NewSQLStore(db),
		interventions: interventions.NewSQLStore(db),
		values:        guardian.NewSQLValueStore(db),
		escalations:   escalation.NewSQLStore(db),
		budget:        budget.NewSQLStorage(db),
		preferences:   learning.NewSQLPreferences(db),
		outbox:        outbox.NewSQLStore(db),
		cooldowns:     triggers.NewSQLCooldowns(db),
	}
}

func (s *sqlStores) all() []migrator {
	return []migrator{
		s.tenants, s.permissions, s.interventions, s.values, s.escalations,
		s.budget, s.preferences, s.outbox, s.cooldowns,
	}
}

// migrate creates every table. Statements are idempotent.
func (s *sqlStores) migrate(ctx context.Context) error {
	for _, m := range s.all() {
		if err := m.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

// app is the wired process.
type app struct {
	cfg     *config.Config
	profile *config.Profile
	db      *store.DB
	stores  *sqlStores
	redis   redis.UniversalClient
	tel     *observability.Provider
	svc     *autonomy.Service
	dir     *tenants.Directory
	logger  *slog.Logger
}

// openApp connects to the database, Redis and the archive and wires the
// autonomy service. Close releases everything it opened.
func openApp(ctx context.Context, sender contracts.ChannelSender) (_ *app, err error) {
	a := &app{cfg: config.Load(), logger: slog.Default().With("component", "main")}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.profile = config.DefaultProfile()
	if a.cfg.PolicyProfile != "" {
		if a.profile, err = config.LoadProfile(a.cfg.PolicyProfile); err != nil {
			return nil, err
		}
	}

	otel := observability.DefaultConfig()
	otel.Enabled = a.cfg.OTelEnabled
	otel.OTLPEndpoint = a.cfg.OTelEndpoint
	otel.ServiceName = a.cfg.ServiceName
	otel.Environment = a.cfg.Environment
	otel.Insecure = a.cfg.Environment == "development"
	if a.tel, err = observability.New(ctx, otel); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	if a.db, err = store.Open(ctx, a.cfg.DatabaseURL); err != nil {
		return nil, err
	}
	a.stores = newSQLStores(a.db)

	var (
		cache   permissions.Cache = permissions.NewMemoryCache(permissionCacheTTL)
		limiter escalation.Limiter
	)
	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		cache = permissions.NewRedisCache(a.redis, permissionCacheTTL)
		limiter = escalation.NewRedisLimiter(a.redis)
	} else {
		a.logger.WarnContext(ctx, "REDIS_URL not set; permission cache and escalation cap are per process")
		limiter = escalation.NewMemoryLimiter()
	}

	schemas, err := a.profile.SchemaSet()
	if err != nil {
		return nil, err
	}
	values, err := guardian.NewValueChecker(a.stores.values)
	if err != nil {
		return nil, fmt.Errorf("value checker: %w", err)
	}

	a.dir = tenants.NewDirectory(a.stores.tenants)
	model := permissions.NewModel(a.stores.permissions, cache)
	st := a.stores.interventions

	g := guardian.New(model, st, a.profile.GuardianConfig())
	g.SetSchemas(schemas)
	g.SetValueChecker(values)
	g.SetMeasurementSources(st, nil)

	messages := a.stores.outbox
	optimizer := timing.NewOptimizer(a.dir, nil, a.stores.preferences)
	m := interventions.NewMachine(st, g, optimizer, a.profile.MachineConfig()).
		WithNotifier(outbox.New(messages))

	safe := executor.NewSafeSender(sender, executor.DefaultSenderConfig())
	enf := budget.NewEnforcer(a.stores.budget, budget.LimitFunc(func(ctx context.Context, tenantID string) int {
		return g.ThrottleFor(ctx, tenantID).MaxPerDay
	}))
	esc := escalation.NewManager(a.stores.escalations, limiter, safe, a.profile.EscalationConfig()).
		WithContacts(a.dir)
	exec := executor.New(m, safe, enf, esc, executor.DefaultConfig())

	var exporter *archive.Exporter
	if a.cfg.ArchiveURL != "" {
		as, err := archive.Open(ctx, a.cfg.ArchiveURL)
		if err != nil {
			return nil, err
		}
		exporter = archive.NewExporter(as)
	}

	a.svc, err = autonomy.New(autonomy.Deps{
		Machine:     m,
		Guardian:    g,
		Permissions: model,
		Executor:    exec,
		Escalation:  esc,
		Tenants:     a.dir,
		Budget:      enf,
		Tracker:     learning.NewTracker(st, g, a.profile.TrackerConfig()),
		Learning:    learning.NewEngine(st, a.stores.preferences, a.dir, learning.EngineConfig{}),
		Values:      a.stores.values,
		Reasoner:    newReasoner(),
		Outbox:      outbox.NewDispatcher(messages, outbox.SenderHandler(safe, a.profile.Outbox.Channel), a.profile.DispatcherConfig()),
		Messages:    messages,
		Archive:     exporter,
		Telemetry:   a.tel,
		Rules:       a.profile.Triggers,
		Cooldowns:   a.stores.cooldowns,
	}, a.profile.AutonomyConfig())
	if err != nil {
		return nil, err
	}
	return a, nil
}

// health reports whether the database and Redis answer.
func (a *app) health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.ErrorContext(ctx, "shutdown", "error", err)
	}
}
