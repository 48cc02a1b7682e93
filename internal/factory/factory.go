package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"delivery-guard/internal/audit"
	"delivery-guard/internal/bucketing"
	"delivery-guard/internal/claims"
	"delivery-guard/internal/client"
	"delivery-guard/internal/config"
	"delivery-guard/internal/encryption"
	"delivery-guard/internal/hashing"
	"delivery-guard/internal/metrics"
	"delivery-guard/internal/notification"
	"delivery-guard/internal/orderview"
	"delivery-guard/internal/policy"
	"delivery-guard/internal/report"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/repository/memory"
	redisrepo "delivery-guard/internal/repository/redis"
	"delivery-guard/internal/repository/scylla"
	"delivery-guard/internal/security"
	"delivery-guard/internal/service"
	"delivery-guard/internal/storefront"
	"delivery-guard/internal/tls"
	"delivery-guard/internal/util"
)

const snapshotCacheTTL = 15 * time.Minute

// stores groups the repositories of whichever backend was selected.
type stores struct {
	qrs        repository.QRTokenRepository
	challenges repository.ChallengeRepository
	sessions   repository.SessionRepository
	audit      repository.AuditRepository
	tickets    repository.TicketRepository
	snapshots  repository.SnapshotRepository
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	s3Storage        *client.S3Storage
	kmsAPI           encryption.KMSAPI
	storefront       *storefront.Store
	twilio           *notification.TwilioSender
	smtp             *notification.SMTPMailer

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.BucketingManager

	stores         stores
	auditWriter    *audit.Writer
	exporter       *report.Exporter
	adminVerifier  *security.AdminVerifier
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metrics.Register()

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, cfg.IsProduction())
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()
	factory.initializeStores()
	factory.initializeServices()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage_backend", cfg.Storage.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", factory.kmsAPI != nil),
		util.Bool("redis_enabled", factory.redisClient != nil),
		util.Bool("storefront_enabled", factory.storefront != nil),
	)

	return factory, nil
}

// initializeClients connects every configured integration. Outside
// production a failing optional client is logged and replaced by a local
// fallback; in production any failure aborts startup.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := f.config
	var initErrors []error
	require := func(name string, err error) {
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("%s: %w", name, err))
		}
	}

	if cfg.Storage.Backend == "scylla" {
		c, err := scylla.NewScyllaClient(cfg)
		require("scylla", err)
		f.scyllaClient = c
	}

	if cfg.Redis.Enabled {
		c, err := client.NewRedisClient(cfg)
		require("redis", err)
		f.redisClient = c
	} else if cfg.IsProduction() {
		require("redis", errors.New("REDIS_ENABLED must be true in production"))
	}

	if cfg.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(cfg); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if cfg.Elasticsearch.Enabled {
		c, err := client.NewElasticsearchClient(cfg)
		require("elasticsearch", err)
		f.esClient = c
	}

	if cfg.Clickhouse.Enabled {
		c, err := client.NewClickHouseClient(cfg)
		require("clickhouse", err)
		f.clickhouseClient = c
	}

	if cfg.ObjectStorage.Enabled {
		s, err := client.NewS3Storage(ctx, cfg)
		require("s3", err)
		f.s3Storage = s
	} else if cfg.IsProduction() {
		require("s3", errors.New("OBJECT_STORAGE_ENABLED must be true in production"))
	}

	if cfg.KMS.Enabled {
		if k, err := client.NewKMSClient(ctx, cfg); err != nil {
			require("kms", err)
		} else {
			f.kmsAPI = k
		}
	}

	if cfg.Postgres.Enabled {
		s, err := storefront.Connect(cfg.Postgres, cfg.IsProduction())
		require("postgres", err)
		f.storefront = s
	} else if cfg.IsProduction() {
		require("postgres", errors.New("POSTGRES_ENABLED must be true in production"))
	}

	if cfg.Twilio.Enabled {
		s, err := notification.NewTwilioSender(cfg.Twilio, int(cfg.Delivery.OTPTTL.Minutes()))
		require("twilio", err)
		f.twilio = s
	} else if cfg.IsProduction() {
		require("twilio", errors.New("TWILIO_ENABLED must be true in production"))
	}

	if cfg.Mail.Enabled {
		m, err := notification.NewSMTPMailer(cfg.Mail)
		require("smtp", err)
		f.smtp = m
	} else if cfg.IsProduction() {
		require("smtp", errors.New("SMTP_ENABLED must be true in production"))
	}

	if len(initErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	if cfg.Storage.Backend == "scylla" && f.scyllaClient == nil {
		return errors.New("scylla backend selected but the cluster is unreachable")
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config.Hashing)
	f.encryptionManager = encryption.NewManager(f.config.KMS, f.kmsAPI)
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)
	f.adminVerifier = security.NewAdminVerifier(f.config.Admin.JWTSecret)

	util.Info("Managers initialized successfully",
		util.Int("event_buckets", len(f.bucketingManager.Buckets())),
		util.Bool("envelope_encryption", f.kmsAPI != nil),
	)
}

func (f *Factory) initializeStores() {
	if f.scyllaClient != nil {
		f.stores = stores{
			qrs:        scylla.NewDeliveryRepository(f.scyllaClient, f.bucketingManager),
			challenges: scylla.NewChallengeRepository(f.scyllaClient),
			sessions:   scylla.NewSessionRepository(f.scyllaClient),
			audit:      scylla.NewAuditRepository(f.scyllaClient, f.bucketingManager),
			tickets:    scylla.NewTicketRepository(f.scyllaClient),
			snapshots:  scylla.NewSnapshotRepository(f.scyllaClient),
		}
	} else {
		util.Warn("Using in-memory storage - data is lost on restart")
		mem := memory.NewStore()
		f.stores = stores{qrs: mem, challenges: mem, sessions: mem, audit: mem, tickets: mem, snapshots: mem}
	}

	if f.redisClient != nil {
		f.stores.snapshots = redisrepo.NewSnapshotCache(f.redisClient, f.stores.snapshots, snapshotCacheTTL)
	}
}

func (f *Factory) initializeServices() {
	cfg := f.config

	var sinks []audit.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient))
	}
	f.auditWriter = audit.NewWriter(f.stores.audit, f.bucketingManager, sinks...)

	var limiter repository.RateLimiter = memory.NewRateLimiter(time.Now)
	if f.redisClient != nil {
		limiter = redisrepo.NewRateLimitCache(f.redisClient)
	}

	var sender notification.OTPSender = notification.LogSender{}
	if f.twilio != nil {
		sender = f.twilio
	}
	var mailer notification.Mailer = notification.LogMailer{}
	if f.smtp != nil {
		mailer = f.smtp
	} else {
		util.Warn("SMTP disabled, claims dispatch mail will be counted as failed",
			util.String("mailbox", cfg.Mail.DispatchMailbox))
	}
	var objects claims.ObjectStorage = memory.NewObjectStore()
	if f.s3Storage != nil {
		objects = f.s3Storage
	}

	var directory claims.Directory
	var source orderview.Source
	if f.storefront != nil {
		directory = f.storefront
		source = f.storefront
	} else {
		util.Warn("Storefront database disabled - order views are served from stored snapshots only")
	}

	creator := claims.NewCreator(f.stores.tickets, objects, claims.NewActorResolver(cfg.Claims.SystemUserID, directory), mailer, cfg.Mail.DispatchMailbox).
		WithEncryption(f.encryptionManager)
	if f.esClient != nil {
		creator = creator.WithIndexer(f.esClient, cfg.Elasticsearch.ClaimsIndex)
	}

	p := policy.FromConfig(cfg.Delivery)

	counters := []report.ActionCounter{report.NewAuditLogCounter(f.stores.audit)}
	if f.clickhouseClient != nil {
		counters = append([]report.ActionCounter{report.NewClickHouseCounter(f.clickhouseClient)}, counters...)
	}
	f.exporter = report.NewExporter(f.stores.qrs, f.stores.tickets, f.stores.audit, f.auditWriter, p, counters...)

	testMode := cfg.Delivery.OTPTestMode && !cfg.IsProduction()
	if testMode {
		util.Warn("OTP test mode enabled - codes are echoed in API responses")
	}

	f.serviceFactory = service.NewServiceFactory(service.Dependencies{
		Signer:     security.NewTokenSigner(cfg.Delivery.TokenSecret),
		QRs:        f.stores.qrs,
		Challenges: f.stores.challenges,
		Sessions:   f.stores.sessions,
		Limiter:    limiter,
		Hasher:     f.hasher,
		Encryption: f.encryptionManager,
		Sender:     sender,
		Orders:     orderview.NewBuilder(f.stores.snapshots, source),
		Claims:     creator,
		Audit:      f.auditWriter,
		Policy:     p,
		TestMode:   testMode,
	})
}

// HealthCheck pings every connected store concurrently. Optional sinks
// (Kafka, ClickHouse, Elasticsearch) only log their failures.
func (f *Factory) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if f.scyllaClient != nil {
		g.Go(func() error { return wrapHealth("scylla", f.scyllaClient.HealthCheck(gctx)) })
	}
	if f.redisClient != nil {
		g.Go(func() error { return wrapHealth("redis", f.redisClient.HealthCheck(gctx)) })
	}
	if f.storefront != nil {
		g.Go(func() error { return wrapHealth("postgres", f.storefront.HealthCheck(gctx)) })
	}
	if f.s3Storage != nil {
		g.Go(func() error { return wrapHealth("s3", f.s3Storage.HealthCheck(gctx)) })
	}

	optional := map[string]func(context.Context) error{}
	if f.kafkaProducer != nil {
		optional["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.clickhouseClient != nil {
		optional["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	if f.esClient != nil {
		optional["elasticsearch"] = f.esClient.HealthCheck
	}
	for name, check := range optional {
		g.Go(func() error {
			if err := check(gctx); err != nil {
				util.Warn("Optional dependency unhealthy", util.String("dependency", name), util.ErrorField(err))
			}
			return nil
		})
	}

	return g.Wait()
}

func wrapHealth(name string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.storefront != nil {
			if err := f.storefront.Close(); err != nil {
				util.Error("Failed to close storefront database", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) Exporter() *report.Exporter {
	return f.exporter
}

func (f *Factory) AdminVerifier() *security.AdminVerifier {
	return f.adminVerifier
}
