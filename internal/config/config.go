package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded once from the environment.
type Config struct {
	Environment string

	Server     ServerConfig
	Agent      AgentConfig
	Redis      RedisConfig
	Scylla     ScyllaConfig
	Kafka      KafkaConfig
	Elastic    ElasticConfig
	Clickhouse ClickhouseConfig
	Enrichment EnrichmentConfig
	Risk       RiskConfig
	Blocking   BlockingConfig
	Hashing    HashingConfig
	KMS        KMSConfig
	Bucketing  BucketingConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// AgentConfig drives the log tailing agent (cmd/agent).
type AgentConfig struct {
	AgentID           string
	Secret            string
	ServerURL         string
	LogFiles          []string
	StateDir          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	BatchMaxLines     int
	BatchMaxWait      time.Duration
	SubmitTimeout     time.Duration
	SubmitMaxRetries  int
	SubmitBackoffMin  time.Duration
	SubmitBackoffMax  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers             []string
	PendingTopic        string
	DirectiveTopic      string
	NotificationTopic   string
	EnrichConsumerGroup string
}

type ElasticConfig struct {
	URL        string
	Username   string
	Password   string
	EventIndex string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

// EnrichmentConfig covers the external lookup sources and cache TTLs.
type EnrichmentConfig struct {
	GeoProviderURL        string
	ReputationProviderURL string
	ClassifierURL         string
	LookupTimeout         time.Duration
	ClassifierTimeout     time.Duration
	GeoTTL                time.Duration
	ReputationTTL         time.Duration
	Workers               int
}

// RiskConfig holds the composite score weights.
type RiskConfig struct {
	WeightThreatIntel float64
	WeightML          float64
	WeightBehavioral  float64
	WeightGeo         float64
}

type BlockingConfig struct {
	SweepInterval time.Duration
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	Pepper            string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	EventBuckets   int
	AddressBuckets int
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	global *Config
	once   sync.Once
)

// LoadConfig reads configuration from the environment (and .env in
// development) and caches it process-wide.
func LoadConfig() *Config {
	once.Do(func() {
		// .env is optional; a missing file is not an error.
		_ = godotenv.Load()

		global = &Config{
			Environment: getEnv("APP_ENV", "development"),
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTOCERT", false),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/lib/authwatch/certs"),
				Email:        getEnv("SERVER_AUTOCERT_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			},
			Agent: AgentConfig{
				AgentID:           getEnv("AGENT_ID", ""),
				Secret:            getEnv("AGENT_SECRET", ""),
				ServerURL:         getEnv("AGENT_SERVER_URL", "http://localhost:8080"),
				LogFiles:          getEnvList("AGENT_LOG_FILES", []string{"/var/log/auth.log"}),
				StateDir:          getEnv("AGENT_STATE_DIR", "/var/lib/authwatch"),
				PollInterval:      getEnvDuration("AGENT_POLL_INTERVAL", 2*time.Second),
				HeartbeatInterval: getEnvDuration("AGENT_HEARTBEAT_INTERVAL", 30*time.Second),
				BatchMaxLines:     getEnvInt("AGENT_BATCH_MAX_LINES", 200),
				BatchMaxWait:      getEnvDuration("AGENT_BATCH_MAX_WAIT", 5*time.Second),
				SubmitTimeout:     getEnvDuration("AGENT_SUBMIT_TIMEOUT", 10*time.Second),
				SubmitMaxRetries:  getEnvInt("AGENT_SUBMIT_MAX_RETRIES", 5),
				SubmitBackoffMin:  getEnvDuration("AGENT_SUBMIT_BACKOFF_MIN", 500*time.Millisecond),
				SubmitBackoffMax:  getEnvDuration("AGENT_SUBMIT_BACKOFF_MAX", 30*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "authwatch"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:             getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
				PendingTopic:        getEnv("KAFKA_PENDING_TOPIC", "authwatch.events.pending"),
				DirectiveTopic:      getEnv("KAFKA_DIRECTIVE_TOPIC", "authwatch.blocking.directives"),
				NotificationTopic:   getEnv("KAFKA_NOTIFICATION_TOPIC", "authwatch.blocking.notifications"),
				EnrichConsumerGroup: getEnv("KAFKA_ENRICH_GROUP", "authwatch-enrichment"),
			},
			Elastic: ElasticConfig{
				URL:        getEnv("ELASTIC_URL", "http://localhost:9200"),
				Username:   getEnv("ELASTIC_USERNAME", ""),
				Password:   getEnv("ELASTIC_PASSWORD", ""),
				EventIndex: getEnv("ELASTIC_EVENT_INDEX", "authwatch-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:9000"),
				Database: getEnv("CLICKHOUSE_DATABASE", "authwatch"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Enrichment: EnrichmentConfig{
				GeoProviderURL:        getEnv("ENRICH_GEO_URL", "http://localhost:9101"),
				ReputationProviderURL: getEnv("ENRICH_REPUTATION_URL", "http://localhost:9102"),
				ClassifierURL:         getEnv("ENRICH_CLASSIFIER_URL", "http://localhost:9103"),
				LookupTimeout:         getEnvDuration("ENRICH_LOOKUP_TIMEOUT", 5*time.Second),
				ClassifierTimeout:     getEnvDuration("ENRICH_CLASSIFIER_TIMEOUT", 3*time.Second),
				GeoTTL:                getEnvDuration("ENRICH_GEO_TTL", 7*24*time.Hour),
				ReputationTTL:         getEnvDuration("ENRICH_REPUTATION_TTL", 24*time.Hour),
				Workers:               getEnvInt("ENRICH_WORKERS", 8),
			},
			Risk: RiskConfig{
				WeightThreatIntel: getEnvFloat("RISK_WEIGHT_THREAT_INTEL", 0.30),
				WeightML:          getEnvFloat("RISK_WEIGHT_ML", 0.25),
				WeightBehavioral:  getEnvFloat("RISK_WEIGHT_BEHAVIORAL", 0.25),
				WeightGeo:         getEnvFloat("RISK_WEIGHT_GEO", 0.20),
			},
			Blocking: BlockingConfig{
				SweepInterval: getEnvDuration("BLOCKING_SWEEP_INTERVAL", time.Minute),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 4),
				Pepper:            getEnv("HASHING_PEPPER", ""),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "ap-south-1"),
			},
			Bucketing: BucketingConfig{
				EventBuckets:   getEnvInt("EVENT_BUCKETS", 64),
				AddressBuckets: getEnvInt("ADDRESS_BUCKETS", 16),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})

	return global
}

// Get returns the cached configuration, loading it on first use.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return ":" + strconv.Itoa(c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
