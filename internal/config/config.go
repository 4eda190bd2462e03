package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config represents the entire application configuration
type Config struct {
	Env             string        `json:"env"`
	Port            int           `json:"port"`
	AppName         string        `json:"app_name"`
	DecksFile       string        `json:"decks_file"`
	DeckLinkBaseURL string        `json:"deck_link_base_url"`
	MongoDB         MongoDBConfig `json:"mongodb"`
	SQLite          SQLiteConfig  `json:"sqlite"`
	Rabbit          RabbitConfig  `json:"rabbitmq"`
	Redis           RedisConfig   `json:"redis"`
	S3              S3Config      `json:"s3"`
	Worker          WorkerConfig  `json:"worker"`
	Auth            AuthConfig    `json:"auth"`
	Limits          LimitsConfig  `json:"limits"`
	Logging         LoggingConfig `json:"logging"`
	CORS            CORSConfig    `json:"cors"`
}

// MongoDBConfig contains MongoDB connection details. A non-empty URI selects
// the document backend; otherwise the embedded sqlite backend is used.
type MongoDBConfig struct {
	URI      string `json:"uri"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       string `json:"db"`
}

// SQLiteConfig locates the embedded database file for single-host setups.
type SQLiteConfig struct {
	Path string `json:"path"`
}

// RabbitConfig contains the broker connection details. An empty host turns
// broker mode off and workers fall back to polling the store for queued jobs.
type RabbitConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	VHost         string `json:"vhost"`
	ExchangeName  string `json:"exchange_name"`
	QueueName     string `json:"queue_name"`
	RoutingKey    string `json:"routing_key"`
	PrefetchCount int    `json:"prefetch_count"`
}

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// S3Config contains the blob store settings for raw game logs. An empty
// bucket selects the local filesystem backend rooted at LocalDir.
type S3Config struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Endpoint  string `json:"endpoint"`
	LocalDir  string `json:"local_dir"`
}

// WorkerConfig sizes and identifies one simulation worker.
type WorkerConfig struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	SimulationImage    string `json:"simulation_image"`
	RamPerSimMB        int    `json:"ram_per_sim_mb"`
	SystemReserveMB    int    `json:"system_reserve_mb"`
	CPUsPerSim         int    `json:"cpus_per_sim"`
	MaxConcurrentSims  int    `json:"max_concurrent_sims"`
	ContainerTimeoutMS int64  `json:"container_timeout_ms"`
	DockerBin          string `json:"docker_bin"`
}

// AuthConfig holds the worker shared secret and the user token issuer URL.
type AuthConfig struct {
	WorkerSharedSecret string `json:"worker_shared_secret"`
	TokenIssuer        string `json:"token_issuer"`
}

// LimitsConfig caps what a single user may keep in flight.
type LimitsConfig struct {
	MaxActiveJobsPerUser int `json:"max_active_jobs_per_user"`
}

// LoggingConfig contains logging-related configurations
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age,omitempty"`
}

// Default returns a runnable local configuration: sqlite store, polling
// dispatch, no blob uploads.
func Default() *Config {
	return &Config{
		Env:     "development",
		Port:    8080,
		AppName: "podsim",
		SQLite:  SQLiteConfig{Path: "podsim.db"},
		Rabbit: RabbitConfig{
			Port:          5672,
			VHost:         "/",
			ExchangeName:  "simulations",
			QueueName:     "simulation_tasks",
			RoutingKey:    "simulation_task",
			PrefetchCount: 1,
		},
		Redis: RedisConfig{Address: "", DB: 0, Prefix: "podsim"},
		S3:    S3Config{LocalDir: "data/blobs"},
		Worker: WorkerConfig{
			SimulationImage:    "podsim/simulator:latest",
			RamPerSimMB:        1200,
			SystemReserveMB:    2048,
			CPUsPerSim:         2,
			MaxConcurrentSims:  6,
			ContainerTimeoutMS: 2 * 60 * 60 * 1000,
			DockerBin:          "docker",
		},
		Limits:  LimitsConfig{MaxActiveJobsPerUser: 3},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		CORS: CORSConfig{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Origin", "Content-Type", "Authorization", "X-Worker-Secret"},
			AllowCredentials: false,
		},
	}
}

// Load builds the effective configuration: defaults, overlaid with the JSON
// file when one exists at filePath, overlaid with environment variables.
func Load(filePath string) (*Config, error) {
	config := Default()

	if filePath != "" {
		configData, err := os.ReadFile(filePath)
		switch {
		case err == nil:
			if err := json.Unmarshal(configData, config); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config.applyEnv()
	return config, nil
}

// applyEnv overlays the environment variables workers and deployments set in
// practice. Every value is optional.
func (c *Config) applyEnv() {
	envStr("PORT", func(v string) {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	})
	envStr("APP_ENV", func(v string) { c.Env = v })
	envStr("LOG_LEVEL", func(v string) { c.Logging.Level = v })

	envStr("MONGODB_URI", func(v string) { c.MongoDB.URI = v })
	envStr("MONGODB_DB", func(v string) { c.MongoDB.DB = v })
	envStr("SQLITE_PATH", func(v string) { c.SQLite.Path = v })

	envStr("RABBITMQ_HOST", func(v string) { c.Rabbit.Host = v })
	envInt("RABBITMQ_PORT", func(v int) { c.Rabbit.Port = v })
	envStr("RABBITMQ_USERNAME", func(v string) { c.Rabbit.Username = v })
	envStr("RABBITMQ_PASSWORD", func(v string) { c.Rabbit.Password = v })
	envStr("RABBITMQ_VHOST", func(v string) { c.Rabbit.VHost = v })

	envStr("REDIS_ADDRESS", func(v string) { c.Redis.Address = v })
	envStr("REDIS_PASSWORD", func(v string) { c.Redis.Password = v })

	envStr("S3_BUCKET", func(v string) { c.S3.Bucket = v })
	envStr("AWS_REGION", func(v string) { c.S3.Region = v })
	envStr("AWS_ACCESS_KEY_ID", func(v string) { c.S3.AccessKey = v })
	envStr("AWS_SECRET_ACCESS_KEY", func(v string) { c.S3.SecretKey = v })
	envStr("S3_ENDPOINT", func(v string) { c.S3.Endpoint = v })
	envStr("BLOB_LOCAL_DIR", func(v string) { c.S3.LocalDir = v })

	envStr("WORKER_ID", func(v string) { c.Worker.ID = v })
	envStr("WORKER_NAME", func(v string) { c.Worker.Name = v })
	envStr("SIMULATION_IMAGE", func(v string) { c.Worker.SimulationImage = v })
	envInt("RAM_PER_SIM_MB", func(v int) { c.Worker.RamPerSimMB = v })
	envInt("SYSTEM_RESERVE_MB", func(v int) { c.Worker.SystemReserveMB = v })
	envInt("CPUS_PER_SIM", func(v int) { c.Worker.CPUsPerSim = v })
	envInt("MAX_CONCURRENT_SIMS", func(v int) { c.Worker.MaxConcurrentSims = v })
	envInt64("CONTAINER_TIMEOUT_MS", func(v int64) { c.Worker.ContainerTimeoutMS = v })

	envStr("WORKER_SHARED_SECRET", func(v string) { c.Auth.WorkerSharedSecret = v })
	envStr("TOKEN_ISSUER", func(v string) { c.Auth.TokenIssuer = v })
	envStr("DECKS_FILE", func(v string) { c.DecksFile = v })
	envStr("DECK_LINK_BASE_URL", func(v string) { c.DeckLinkBaseURL = v })
	envInt("MAX_ACTIVE_JOBS_PER_USER", func(v int) { c.Limits.MaxActiveJobsPerUser = v })
}

// CloudMode reports whether the document backend is configured. It is the
// single toggle between the cloud deployment (Mongo + Rabbit + S3) and the
// single-host one (sqlite + polling).
func (c *Config) CloudMode() bool {
	return c.MongoDB.URI != ""
}

// BrokerEnabled reports whether dispatch goes through RabbitMQ.
func (c *Config) BrokerEnabled() bool {
	return c.Rabbit.Host != ""
}

func envStr(key string, set func(string)) {
	if v := os.Getenv(key); v != "" {
		set(v)
	}
}

func envInt(key string, set func(int)) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			set(n)
		}
	}
}

func envInt64(key string, set func(int64)) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			set(n)
		}
	}
}
