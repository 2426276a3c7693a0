package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., app/<env>/<service_name>
	configType   = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"` // grpc | http
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Kafka struct {
		Brokers string `mapstructure:"BROKERS"` // comma separated, empty disables publishing
		Topic   string `mapstructure:"TOPIC"`
	} `mapstructure:"KAFKA"`
	AccessControl struct {
		Model   string            `mapstructure:"MODEL"`
		Policy  string            `mapstructure:"POLICY"`
		APIKeys map[string]string `mapstructure:"API_KEYS"` // api key -> role
	} `mapstructure:"ACCESS_CONTROL"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Webhook struct {
		Secret          string `mapstructure:"SECRET"`
		VerifyToken     string `mapstructure:"VERIFY_TOKEN"`
		SignatureHeader string `mapstructure:"SIGNATURE_HEADER"`
		AllowUnsigned   bool   `mapstructure:"ALLOW_UNSIGNED"`
	} `mapstructure:"WEBHOOK"`
	Strava struct {
		BaseURL string        `mapstructure:"BASE_URL"`
		Timeout time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"STRAVA"`
	Ingestion struct {
		Policy    string        `mapstructure:"POLICY"` // CEL expression over distance, source, owner_ref
		DedupeTTL time.Duration `mapstructure:"DEDUPE_TTL"`
	} `mapstructure:"INGESTION"`
	Settlement struct {
		MaxParallel     int           `mapstructure:"MAX_PARALLEL"`
		TransferTimeout time.Duration `mapstructure:"TRANSFER_TIMEOUT"`
		RecoverAfter    time.Duration `mapstructure:"RECOVER_AFTER"`   // age before pending payouts and unsettled activities are swept
		RepairLookback  time.Duration `mapstructure:"REPAIR_LOOKBACK"` // how far back failed payouts are rechecked
	} `mapstructure:"SETTLEMENT"`
	Custody struct {
		Driver                 string        `mapstructure:"DRIVER"` // simulated | gateway
		EscrowAddress          string        `mapstructure:"ESCROW_ADDRESS"`
		GatewayURL             string        `mapstructure:"GATEWAY_URL"`
		GatewayAPIKey          string        `mapstructure:"GATEWAY_API_KEY"`
		GatewayTimeout         time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
		SimulatedBalance       string        `mapstructure:"SIMULATED_BALANCE"`
		SimulatedConfirmations int           `mapstructure:"SIMULATED_CONFIRMATIONS"`
	} `mapstructure:"CUSTODY"`
	Scheduler struct {
		ReconcileInterval time.Duration `mapstructure:"RECONCILE_INTERVAL"`
		SweepInterval     time.Duration `mapstructure:"SWEEP_INTERVAL"`
		RepairInterval    time.Duration `mapstructure:"REPAIR_INTERVAL"`
		WorkerConcurrency int           `mapstructure:"WORKER_CONCURRENCY"`
	} `mapstructure:"SCHEDULER"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "pledgerun")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 60*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 120*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 20)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)
	v.SetDefault("KAFKA.TOPIC", "pledgerun.settlement")
	v.SetDefault("WEBHOOK.SIGNATURE_HEADER", "X-Hub-Signature-256")
	v.SetDefault("STRAVA.BASE_URL", "https://www.strava.com/api/v3")
	v.SetDefault("STRAVA.TIMEOUT", 10*time.Second)
	v.SetDefault("INGESTION.DEDUPE_TTL", 10*time.Minute)
	v.SetDefault("SETTLEMENT.MAX_PARALLEL", 4)
	v.SetDefault("SETTLEMENT.TRANSFER_TIMEOUT", 30*time.Second)
	v.SetDefault("SETTLEMENT.RECOVER_AFTER", 10*time.Minute)
	v.SetDefault("SETTLEMENT.REPAIR_LOOKBACK", 72*time.Hour)
	v.SetDefault("CUSTODY.DRIVER", "simulated")
	v.SetDefault("CUSTODY.GATEWAY_TIMEOUT", 20*time.Second)
	v.SetDefault("CUSTODY.SIMULATED_BALANCE", "1000000")
	v.SetDefault("CUSTODY.SIMULATED_CONFIRMATIONS", 1)
	v.SetDefault("SCHEDULER.RECONCILE_INTERVAL", time.Minute)
	v.SetDefault("SCHEDULER.SWEEP_INTERVAL", 15*time.Minute)
	v.SetDefault("SCHEDULER.REPAIR_INTERVAL", 5*time.Minute)
	v.SetDefault("SCHEDULER.WORKER_CONCURRENCY", 10)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads config.yaml from the given search paths, overlaid by environment variables.
// A missing file is not an error, defaults and env still apply.
func Load(paths ...string) (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType(configType)
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func LoadConfig(p Params) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if p.Vault != nil {
		if err := applySecrets(context.Background(), p.Vault, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applySecrets overlays credentials stored in vault under secret/<APP_ENV>.
func applySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
	cfg.Webhook.Secret = get("webhook_secret", cfg.Webhook.Secret)
	cfg.Webhook.VerifyToken = get("webhook_verify_token", cfg.Webhook.VerifyToken)
	cfg.Custody.GatewayAPIKey = get("custody_gateway_api_key", cfg.Custody.GatewayAPIKey)
	cfg.Minio.SecretKey = get("minio_secret_key", cfg.Minio.SecretKey)

	return nil
}

// Current returns the last configuration loaded by LoadRemote, nil before the first load.
func Current() *Config {
	cfg, _ := configHolder.Load().(*Config)
	return cfg
}

func LoadRemote(p Params) (*Config, error) {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		return nil, fmt.Errorf("remote config requires vault")
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	remote := newViper()
	remote.SetConfigType(configType)
	if err := remote.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		return nil, err
	}

	if err := remote.ReadRemoteConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := remote.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := applySecrets(context.Background(), p.Vault, &cfg); err != nil {
		return nil, err
	}
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := remote.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var next Config
			if err := remote.Unmarshal(&next); err != nil {
				zap.L().Error("unable to decode remote config", zap.Error(err))
				continue
			}
			next.Database = cfg.Database
			next.Redis.Password = cfg.Redis.Password
			next.Webhook = cfg.Webhook
			next.Custody.GatewayAPIKey = cfg.Custody.GatewayAPIKey
			configHolder.Store(&next)
		}
	}()

	return &cfg, nil
}
