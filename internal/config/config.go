package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backends
const (
	StoreBackendRedis    = "redis"
	StoreBackendPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// HTTP server configuration
	HTTPPort        string
	MetricsPort     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration

	// Kubernetes configuration
	Namespace         string
	K8sInCluster      bool
	K8sKubeConfigPath string

	// Public exposure
	IngressHost      string
	IngressClass     string
	IngressTLSSecret string
	ClusterIP        string
	NodePortStart    int
	NodePortEnd      int

	// Credential (identity provider) sidecar
	CredentialSidecarImage string
	CredentialSidecarPort  int
	IAMURL                 string
	IAMClientID            string
	IAMClientSecret        string
	EncryptionKey          string
	IAMAdminGroup          string

	// Application record store
	StoreBackend     string
	RedisURL         string
	RedisPoolSize    int
	RedisMinIdleConn int
	RedisMaxRetries  int
	RedisDialTimeout time.Duration
	PostgresURL      string

	// Leader election
	LeaderElectionEnabled       bool
	LeaderElectionLockName      string
	LeaderElectionNamespace     string
	LeaderElectionDuration      time.Duration
	LeaderElectionRenewDeadline time.Duration
	LeaderElectionRetryPeriod   time.Duration
	PodName                     string

	// Logging configuration
	LogLevel  string
	LogFormat string

	// Application metadata
	AppName    string
	AppVersion string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	namespace := getEnv("K8S_NAMESPACE", "papaya")

	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		MetricsPort:     getEnv("METRICS_PORT", "9090"),
		ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 90*time.Second),

		Namespace:         namespace,
		K8sInCluster:      getEnvBool("K8S_IN_CLUSTER", false),
		K8sKubeConfigPath: getEnv("K8S_KUBECONFIG_PATH", ""),

		IngressHost:      getEnv("INGRESS_HOST", ""),
		IngressClass:     getEnv("INGRESS_CLASS", ""),
		IngressTLSSecret: getEnv("INGRESS_TLS_SECRET", "papaya"),
		ClusterIP:        getEnv("CLUSTER_IP", ""),
		NodePortStart:    getEnvInt("NODE_PORT_RANGE_START", 32000),
		NodePortEnd:      getEnvInt("NODE_PORT_RANGE_END", 32050),

		CredentialSidecarImage: getEnv("CREDENTIAL_SIDECAR_IMAGE", "keycloak/keycloak-gatekeeper:7.0.0"),
		CredentialSidecarPort:  getEnvInt("CREDENTIAL_SIDECAR_PORT", 3000),
		IAMURL:                 getEnv("IAM_URL", ""),
		IAMClientID:            getEnv("IAM_CLIENT_ID", ""),
		IAMClientSecret:        getEnv("IAM_CLIENT_SECRET", ""),
		EncryptionKey:          getEnv("ENC_KEY", ""),
		IAMAdminGroup:          getEnv("IAM_ADMIN_GROUP", "papaya-admin"),

		StoreBackend:     getEnv("STORE_BACKEND", StoreBackendRedis),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPoolSize:    getEnvInt("REDIS_POOL_SIZE", 20),
		RedisMinIdleConn: getEnvInt("REDIS_MIN_IDLE_CONN", 2),
		RedisMaxRetries:  getEnvInt("REDIS_MAX_RETRIES", 3),
		RedisDialTimeout: getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		PostgresURL:      getEnv("POSTGRES_URL", ""),

		LeaderElectionEnabled:       getEnvBool("LEADER_ELECTION_ENABLED", false),
		LeaderElectionLockName:      getEnv("LEADER_ELECTION_LOCK_NAME", "provisioner-leader"),
		LeaderElectionNamespace:     getEnv("LEADER_ELECTION_NAMESPACE", namespace),
		LeaderElectionDuration:      getEnvDuration("LEADER_ELECTION_LEASE_DURATION", 15*time.Second),
		LeaderElectionRenewDeadline: getEnvDuration("LEADER_ELECTION_RENEW_DEADLINE", 10*time.Second),
		LeaderElectionRetryPeriod:   getEnvDuration("LEADER_ELECTION_RETRY_PERIOD", 2*time.Second),
		PodName:                     getEnv("POD_NAME", hostname()),

		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "json"),
		AppName:    "provisioner",
		AppVersion: getEnv("APP_VERSION", "dev"),
	}

	// Validate required configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("k8s_namespace is required")
	}

	if c.IngressHost == "" {
		return fmt.Errorf("ingress_host is required")
	}

	if c.NodePortStart < 1 || c.NodePortEnd > 65535 {
		return fmt.Errorf("node port range %d-%d out of bounds (1-65535)", c.NodePortStart, c.NodePortEnd)
	}
	if c.NodePortStart > c.NodePortEnd {
		return fmt.Errorf("node port range start %d is greater than end %d", c.NodePortStart, c.NodePortEnd)
	}

	if c.CredentialSidecarPort < 1 || c.CredentialSidecarPort > 65535 {
		return fmt.Errorf("invalid credential sidecar port: %d", c.CredentialSidecarPort)
	}

	switch c.StoreBackend {
	case StoreBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis_url is required for the redis store")
		}
	case StoreBackendPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be redis/postgres)", c.StoreBackend)
	}

	if c.LeaderElectionEnabled && c.PodName == "" {
		return fmt.Errorf("pod_name is required when leader election is enabled")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", c.LogLevel)
	}

	return nil
}

// NodePortCapacity returns the number of node ports the pool can hand out
func (c *Config) NodePortCapacity() int {
	return c.NodePortEnd - c.NodePortStart + 1
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool retrieves a boolean environment variable or returns a default value
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return defaultVal
		}
		return b
	}
	return defaultVal
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return defaultVal
		}
		return i
	}
	return defaultVal
}

// getEnvDuration retrieves a duration environment variable or returns a default value
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return defaultVal
		}
		return d
	}
	return defaultVal
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}
