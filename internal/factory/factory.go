package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"authwatch/internal/blocking"
	"authwatch/internal/bucketing"
	"authwatch/internal/client"
	"authwatch/internal/config"
	"authwatch/internal/encryption"
	"authwatch/internal/enrich"
	"authwatch/internal/handler"
	"authwatch/internal/hashing"
	"authwatch/internal/ingest"
	"authwatch/internal/model"
	"authwatch/internal/repository"
	chrepo "authwatch/internal/repository/clickhouse"
	redisrepo "authwatch/internal/repository/redis"
	"authwatch/internal/repository/scylla"
	"authwatch/internal/risk"
	"authwatch/internal/search"
	"authwatch/internal/tls"
	"authwatch/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	pendingConsumer  *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.BucketingManager

	// Repositories
	eventRepository      *scylla.EventRepository
	blockRepository      *scylla.BlockRepository
	ruleRepository       *scylla.RuleRepository
	actionRepository     *scylla.ActionRepository
	receiptRepository    *scylla.ReceiptRepository
	credentialRepository *scylla.CredentialRepository
	geoRepCache          *redisrepo.GeoReputationCache
	aggregateCache       *redisrepo.AggregateCache
	eventAnalytics       *chrepo.EventAnalytics
	tieredAggregates     *repository.TieredAggregates

	// Domain services
	ingestService     *ingest.Service
	credentialService *ingest.CredentialService
	heartbeatStore    *ingest.HeartbeatStore
	eventSearch       *search.EventSearch
	resolver          *enrich.Resolver
	evaluator         *risk.Evaluator
	engine            *blocking.Engine
	sweeper           *blocking.Sweeper
	pipeline          *enrich.Pipeline

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with
// health checks.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
	} else {
		f.kafkaProducer = producer
	}
	if consumer, err := client.NewKafkaConsumer(f.config,
		f.config.Kafka.PendingTopic, f.config.Kafka.EnrichConsumerGroup, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("kafka consumer: %w", err))
	} else {
		f.pendingConsumer = consumer
	}

	// Elasticsearch
	if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = esClient
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chClient
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config for KMS: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	f.encryptionManager = encryption.NewManager(f.config, kmsClient)

	return nil
}

// ==============================
// Repositories
// ==============================

func (f *Factory) EventRepository() *scylla.EventRepository {
	if f.eventRepository == nil {
		f.eventRepository = scylla.NewEventRepository(f.scyllaClient, f.bucketingManager, util.Get())
	}
	return f.eventRepository
}

func (f *Factory) BlockRepository() *scylla.BlockRepository {
	if f.blockRepository == nil {
		f.blockRepository = scylla.NewBlockRepository(f.scyllaClient, util.Get())
	}
	return f.blockRepository
}

func (f *Factory) RuleRepository() *scylla.RuleRepository {
	if f.ruleRepository == nil {
		f.ruleRepository = scylla.NewRuleRepository(f.scyllaClient, util.Get())
	}
	return f.ruleRepository
}

func (f *Factory) ActionRepository() *scylla.ActionRepository {
	if f.actionRepository == nil {
		f.actionRepository = scylla.NewActionRepository(f.scyllaClient, util.Get())
	}
	return f.actionRepository
}

func (f *Factory) ReceiptRepository() *scylla.ReceiptRepository {
	if f.receiptRepository == nil {
		f.receiptRepository = scylla.NewReceiptRepository(f.scyllaClient, util.Get())
	}
	return f.receiptRepository
}

func (f *Factory) CredentialRepository() *scylla.CredentialRepository {
	if f.credentialRepository == nil {
		f.credentialRepository = scylla.NewCredentialRepository(f.scyllaClient, util.Get())
	}
	return f.credentialRepository
}

func (f *Factory) GeoReputationCache() *redisrepo.GeoReputationCache {
	if f.geoRepCache == nil {
		f.geoRepCache = redisrepo.NewGeoReputationCache(f.redisClient, f.config, util.Get())
	}
	return f.geoRepCache
}

func (f *Factory) AggregateCache() *redisrepo.AggregateCache {
	if f.aggregateCache == nil {
		f.aggregateCache = redisrepo.NewAggregateCache(f.redisClient, util.Get())
	}
	return f.aggregateCache
}

func (f *Factory) EventAnalytics() *chrepo.EventAnalytics {
	if f.eventAnalytics == nil {
		f.eventAnalytics = chrepo.NewEventAnalytics(f.clickhouseClient, util.Get())
	}
	return f.eventAnalytics
}

func (f *Factory) AggregateProvider() model.AggregateProvider {
	if f.tieredAggregates == nil {
		f.tieredAggregates = repository.NewTieredAggregates(f.AggregateCache(), f.EventAnalytics())
	}
	return f.tieredAggregates
}

// ==============================
// Domain services
// ==============================

func (f *Factory) IngestService() *ingest.Service {
	if f.ingestService == nil {
		f.ingestService = ingest.NewService(
			f.EventRepository(),
			f.ReceiptRepository(),
			f.CredentialRepository(),
			f.hasher,
			f.EventAnalytics(),
			f.AggregateCache(),
			ingest.NewKafkaPendingPublisher(f.kafkaProducer, f.config),
			util.Get(),
		)
	}
	return f.ingestService
}

func (f *Factory) CredentialService() *ingest.CredentialService {
	if f.credentialService == nil {
		f.credentialService = ingest.NewCredentialService(
			f.CredentialRepository(), f.hasher, f.encryptionManager)
	}
	return f.credentialService
}

func (f *Factory) HeartbeatStore() *ingest.HeartbeatStore {
	if f.heartbeatStore == nil {
		f.heartbeatStore = ingest.NewHeartbeatStore(f.redisClient)
	}
	return f.heartbeatStore
}

func (f *Factory) EventSearch() *search.EventSearch {
	if f.eventSearch == nil {
		f.eventSearch = search.NewEventSearch(f.esClient, f.config, util.Get())
	}
	return f.eventSearch
}

func (f *Factory) Resolver() *enrich.Resolver {
	if f.resolver == nil {
		sources := enrich.NewHTTPSources(f.config)
		f.resolver = enrich.NewResolver(
			f.GeoReputationCache(), sources, sources, f.config, util.Get())
	}
	return f.resolver
}

func (f *Factory) Evaluator() *risk.Evaluator {
	if f.evaluator == nil {
		f.evaluator = risk.NewEvaluator(
			f.EventRepository(),
			f.AggregateProvider(),
			risk.Weights{
				ThreatIntel: f.config.Risk.WeightThreatIntel,
				ML:          f.config.Risk.WeightML,
				Behavioral:  f.config.Risk.WeightBehavioral,
				Geo:         f.config.Risk.WeightGeo,
			},
			util.Get(),
		)
	}
	return f.evaluator
}

func (f *Factory) BlockingEngine() *blocking.Engine {
	if f.engine == nil {
		f.engine = blocking.NewEngine(
			f.RuleRepository(),
			f.BlockRepository(),
			f.ActionRepository(),
			blocking.NewKafkaDirectivePublisher(f.kafkaProducer, f.config),
			blocking.NewKafkaNotifier(f.kafkaProducer, f.config),
			util.Get(),
		)
	}
	return f.engine
}

func (f *Factory) Sweeper() *blocking.Sweeper {
	if f.sweeper == nil {
		f.sweeper = blocking.NewSweeper(
			f.BlockRepository(),
			f.ActionRepository(),
			blocking.NewKafkaDirectivePublisher(f.kafkaProducer, f.config),
			f.config.Blocking.SweepInterval,
			util.Get(),
		)
	}
	return f.sweeper
}

func (f *Factory) Pipeline() *enrich.Pipeline {
	if f.pipeline == nil {
		f.pipeline = enrich.NewPipeline(
			enrich.NewKafkaMessageConsumer(f.pendingConsumer),
			f.EventRepository(),
			f.Resolver(),
			enrich.NewHTTPClassifier(f.config),
			f.Evaluator(),
			f.BlockingEngine(),
			f.EventSearch(),
			f.config.Enrichment.Workers,
		)
	}
	return f.pipeline
}

func (f *Factory) Router() http.Handler {
	ingestHandler := handler.NewIngestHandler(f.IngestService(), f.HeartbeatStore(), util.Get())
	blockingHandler := handler.NewBlockingHandler(
		f.BlockingEngine(), f.BlockRepository(), f.RuleRepository(), f.ActionRepository(), util.Get())
	opsHandler := handler.NewOpsHandler(
		f.EventRepository(), f.AggregateProvider(), f.BlockRepository(),
		f.EventSearch(), f.EventAnalytics(), f.CredentialService(), f.HeartbeatStore(), util.Get())

	return handler.NewRouter(ingestHandler, blockingHandler, opsHandler,
		f, f.config.Server.EnableTLS, util.Get())
}

// ==============================
// Health checks
// ==============================

// HealthCheck reports per-dependency status for the health endpoint.
func (f *Factory) HealthCheck() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	statuses := make(map[string]string)
	report := func(name string, err error) {
		if err != nil {
			statuses[name] = err.Error()
		} else {
			statuses[name] = "healthy"
		}
	}

	if f.redisClient != nil {
		report("redis", f.redisClient.HealthCheck(ctx))
	} else {
		statuses["redis"] = "not initialized"
	}
	if f.scyllaClient != nil {
		report("scylla", f.scyllaClient.HealthCheck())
	} else {
		statuses["scylla"] = "not initialized"
	}
	if f.esClient != nil {
		report("elasticsearch", f.esClient.HealthCheck())
	} else {
		statuses["elasticsearch"] = "not initialized"
	}
	if f.clickhouseClient != nil {
		report("clickhouse", f.clickhouseClient.HealthCheck(ctx))
	} else {
		statuses["clickhouse"] = "not initialized"
	}
	if f.kafkaProducer != nil {
		report("kafka", f.kafkaProducer.HealthCheck(ctx))
	} else {
		statuses["kafka"] = "not initialized"
	}

	return statuses
}

func (f *Factory) IsHealthy() bool {
	for _, status := range f.HealthCheck() {
		if status != "healthy" {
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.pendingConsumer != nil {
			if err := f.pendingConsumer.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.ErrorField(err))
			}
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
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

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.Manager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
