package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/access"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/audit"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/auth"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/dispatch"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/factory"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/guard"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/hardening"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/httpx"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/manifest"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/metrics"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/orchestrator"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/ratelimit"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/routes"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/statebus"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/store"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/stream"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  dispatcherDB
	Cache               store.Cache
	Redis               *redis.Client
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Audit               auditStore
	Governor            *access.Governor
	Table               *routes.Table
	Lifecycle           *manifest.Lifecycle
	Engine              *dispatch.Engine
	Factory             *factory.Factory
	Orchestrator        *orchestrator.Orchestrator
	Bus                 statebus.Publisher
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, eventID string) (audit.Record, error)
	Recent(ctx context.Context, limit int) ([]audit.Record, error)
}

type dispatcherDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type dispatcherDBCloser interface {
	dispatcherDB
	Close()
}

type dispatcherInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type dispatcherOpenDBFunc func(ctx context.Context) (dispatcherDBCloser, error)
type dispatcherOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type dispatcherListenFunc func(server *http.Server) error
type dispatcherStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (dispatcherDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
		if s.Bus != nil {
			go s.busLoop(context.Background())
		}
	}
)

func main() {
	if err := runDispatcher(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("dispatcherd: %v", err)
	}
}

func runDispatcher(
	initTelemetry dispatcherInitTelemetryFunc,
	openDB dispatcherOpenDBFunc,
	openRedis dispatcherOpenRedisFunc,
	listen dispatcherListenFunc,
	startLoops dispatcherStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "dispatcherd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Redis:               redisClient,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Audit:               &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact},
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "dispatcherd",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:      env("WS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "OIDC_HS256_SECRET", Value: s.AuthSecret},
		},
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	selfRef, err := resolveSelfRef(env("DISPATCHER_SELF_REF", ""))
	if err != nil {
		return err
	}
	s.Table = routes.NewTable(selfRef, func(kind routes.ChangeKind, sel routes.Selector, r routes.Route) {
		s.Events.Publish(stream.NewEvent(string(kind), map[string]string{
			"selector": sel.String(),
			"handler":  r.Handler.String(),
			"codehash": routes.HashHex(r.Codehash),
		}))
	})
	s.Governor = access.NewGovernor(env("GOVERNANCE_ADMIN", "root"))
	if err := seedRoleGrants(s.Governor, env("GOVERNANCE_ADMIN", "root"), env("GOVERNANCE_GRANTS", "")); err != nil {
		return err
	}

	contentStore, err := buildContentStore(env("HANDLER_STORE", "memory"), redisClient, pool)
	if err != nil {
		return err
	}
	s.Factory = factory.New(contentStore)
	if max := envInt("MAX_CONTENT_BYTES", 0); max > 0 {
		s.Factory.MaxContentBytes = max
	}

	s.Lifecycle, err = manifest.New(manifest.Config{
		Table:           s.Table,
		Governor:        s.Governor,
		Guard:           &guard.Guard{},
		Fingerprint:     s.Factory.Fingerprint,
		Audit:           s.Audit,
		Events:          s.Events,
		ActivationDelay: envDurationSec("ACTIVATION_DELAY_SEC", 0),
		MaxBatchBytes:   envInt("MAX_BATCH_BYTES", 0),
	})
	if err != nil {
		return err
	}
	s.Engine, err = dispatch.New(dispatch.Config{
		Table:          s.Table,
		Governor:       s.Governor,
		Fingerprint:    s.Factory.Fingerprint,
		Resolver:       &dispatch.DescriptorResolver{Source: s.Factory},
		State:          cache,
		Metrics:        s.Metrics,
		MaxResultBytes: envInt("MAX_RESULT_BYTES", 0),
	})
	if err != nil {
		return err
	}
	s.Orchestrator, err = orchestrator.New(s.Factory, s.Lifecycle, s.Metrics)
	if err != nil {
		return err
	}
	if env("KAFKA_ENABLED", "false") == "true" {
		bus, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_TOPIC", "manifest-events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		s.Bus = bus
		defer bus.Close()
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("dispatcherd"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "dispatcherd"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	authRouter.Get("/v1/manifest", s.withRoles(s.handleManifestInfo))
	authRouter.Post("/v1/manifest/commit", s.withRoles(s.handleManifestCommit, "commit", "admin"))
	authRouter.Post("/v1/manifest/apply", s.withRoles(s.handleManifestApply, "apply", "admin"))
	authRouter.Post("/v1/manifest/activate", s.withRoles(s.handleManifestActivate, "apply", "admin"))
	authRouter.Post("/v1/manifest/batch", s.withRoles(s.handleManifestBatch, "apply", "admin"))

	authRouter.Get("/v1/routes", s.withRoles(s.handleRoutesList))
	authRouter.Get("/v1/routes/{selector}", s.withRoles(s.handleRouteGet))
	authRouter.Post("/v1/routes/remove", s.withRoles(s.handleRoutesRemove, "emergency", "admin"))

	authRouter.Get("/v1/governance", s.withRoles(s.handleGovernanceView))
	authRouter.Post("/v1/governance/pause", s.withRoles(s.handlePause, "emergency", "admin"))
	authRouter.Post("/v1/governance/unpause", s.withRoles(s.handleUnpause, "emergency", "admin"))
	authRouter.Post("/v1/governance/freeze", s.withRoles(s.handleFreeze, "admin"))
	authRouter.Post("/v1/governance/delay", s.withRoles(s.handleSetDelay, "admin"))
	authRouter.Post("/v1/governance/roles/grant", s.withRoles(s.handleRoleGrant, "admin"))
	authRouter.Post("/v1/governance/roles/revoke", s.withRoles(s.handleRoleRevoke, "admin"))

	authRouter.Post("/v1/dispatch/{selector}", s.withRoles(s.handleDispatch))

	authRouter.Post("/v1/factory/stage", s.withRoles(s.handleFactoryStage, "apply", "admin"))
	authRouter.Post("/v1/factory/predict", s.withRoles(s.handleFactoryPredict))

	authRouter.Post("/v1/plans", s.withRoles(s.handlePlanStart, "apply", "admin"))
	authRouter.Get("/v1/plans/{id}", s.withRoles(s.handlePlanGet))
	authRouter.Post("/v1/plans/{id}/stage", s.withRoles(s.handlePlanStage, "apply", "admin"))
	authRouter.Post("/v1/plans/{id}/apply", s.withRoles(s.handlePlanApply, "apply", "admin"))
	authRouter.Post("/v1/plans/{id}/activate", s.withRoles(s.handlePlanActivate, "apply", "admin"))
	authRouter.Post("/v1/plans/{id}/complete", s.withRoles(s.handlePlanComplete, "apply", "admin"))

	authRouter.Get("/v1/audit", s.withRoles(s.handleAuditRecent, "admin", "emergency"))
	authRouter.Get("/v1/audit/{event_id}", s.withRoles(s.handleAuditGet, "admin", "emergency"))

	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents))
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8090")
	log.Printf("dispatcherd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// resolveSelfRef derives the dispatcher's own handler reference, which the
// route table refuses to route to.
func resolveSelfRef(raw string) (routes.HandlerRef, error) {
	if strings.TrimSpace(raw) != "" {
		ref, err := routes.ParseHandlerRef(raw)
		if err != nil {
			return routes.HandlerRef{}, fmt.Errorf("DISPATCHER_SELF_REF: %w", err)
		}
		return ref, nil
	}
	sum := sha256.Sum256([]byte("payrox.dispatcher.self.v1"))
	var ref routes.HandlerRef
	copy(ref[:], sum[32-routes.HandlerRefSize:])
	return ref, nil
}

// seedRoleGrants applies "actor:role,actor:role" bootstrap grants using the
// genesis admin.
func seedRoleGrants(g *access.Governor, admin, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return fmt.Errorf("GOVERNANCE_GRANTS: malformed entry %q", part)
		}
		role := access.Role(strings.ToUpper(strings.TrimSpace(kv[1])))
		if err := g.Grant(admin, strings.TrimSpace(kv[0]), role); err != nil {
			return fmt.Errorf("GOVERNANCE_GRANTS: %w", err)
		}
	}
	return nil
}

func buildContentStore(mode string, redisClient *redis.Client, db dispatcherDB) (factory.ContentStore, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "memory":
		return factory.NewMemoryStore(), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("HANDLER_STORE=redis requires a reachable redis")
		}
		return factory.NewRedisStore(redisClient), nil
	case "postgres":
		return &factory.PostgresStore{DB: db}, nil
	default:
		return nil, fmt.Errorf("HANDLER_STORE: unknown mode %q", mode)
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	if s.Metrics == nil || s.Lifecycle == nil {
		return
	}
	info := s.Lifecycle.Info()
	s.Metrics.SetGauge("routes_registered", float64(info.SelectorCount))
	s.Metrics.SetGauge("manifest_epoch", float64(info.Epoch))
	s.Metrics.SetGauge("manifest_version", float64(info.Version))
	if s.Events != nil {
		s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
	}
	if s.Governor != nil {
		paused := 0.0
		if s.Governor.Paused() {
			paused = 1
		}
		frozen := 0.0
		if s.Governor.Frozen() {
			frozen = 1
		}
		s.Metrics.SetGauge("governance_paused", paused)
		s.Metrics.SetGauge("governance_frozen", frozen)
	}
}

// busLoop mirrors every hub event onto the kafka topic.
func (s *Server) busLoop(ctx context.Context) {
	sub := s.Events.Subscribe(256)
	defer s.Events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := s.Bus.Publish(pubCtx, evt); err != nil {
				log.Printf("statebus publish failed: %v", err)
			} else if s.Metrics != nil {
				s.Metrics.IncStreamEvents()
			}
			cancel()
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
