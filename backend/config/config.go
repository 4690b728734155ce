package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path      string `mapstructure:"path"`
		JWTSecret string `mapstructure:"jwtsecret"`
		Disabled  bool   `mapstructure:"disabled"`
	} `mapstructure:"auth"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Collab     CollabConfig     `mapstructure:"collab"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Calculator CalculatorConfig `mapstructure:"calculator"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Log        struct {
		Level string `mapstructure:"level"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"log"`
}

type CacheConfig struct {
	Namespace         string                   `mapstructure:"namespace"`
	DefaultTTL        time.Duration            `mapstructure:"defaultttl"`
	NamespaceTTLs     map[string]time.Duration `mapstructure:"namespacettls"`
	CalcTTL           time.Duration            `mapstructure:"calcttl"`
	TagTTL            time.Duration            `mapstructure:"tagttl"`
	L1MaxEntries      int                      `mapstructure:"l1maxentries"`
	L1MaxBytes        int64                    `mapstructure:"l1maxbytes"`
	CompressThreshold int                      `mapstructure:"compressthreshold"`
	TTLJitter         float64                  `mapstructure:"ttljitter"`
	PurgeInterval     time.Duration            `mapstructure:"purgeinterval"`
}

type CollabConfig struct {
	DebounceDelay      time.Duration `mapstructure:"debouncedelay"`
	RoomIdleTimeout    time.Duration `mapstructure:"roomidletimeout"`
	SweepInterval      time.Duration `mapstructure:"sweepinterval"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeatinterval"`
	MaxConcurrentCalcs int           `mapstructure:"maxconcurrentcalcs"`
	CalcTimeout        time.Duration `mapstructure:"calctimeout"`
	PresenceTTL        time.Duration `mapstructure:"presencettl"`
	VersionTTL         time.Duration `mapstructure:"versionttl"`
}

type RateLimitConfig struct {
	Limit        int           `mapstructure:"limit"`
	Window       time.Duration `mapstructure:"window"`
	InboundRPS   float64       `mapstructure:"inboundrps"`
	InboundBurst int           `mapstructure:"inboundburst"`
}

type CalculatorConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initialinterval"`
	MaxInterval     time.Duration `mapstructure:"maxinterval"`
	MaxTries        uint          `mapstructure:"maxtries"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "calc-events")
	v.SetDefault("auth.path", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.disabled", false)

	v.SetDefault("cache.namespace", "calc")
	v.SetDefault("cache.defaultttl", 10*time.Minute)
	v.SetDefault("cache.namespacettls", map[string]time.Duration{})
	v.SetDefault("cache.calcttl", 15*time.Minute)
	v.SetDefault("cache.tagttl", time.Hour)
	v.SetDefault("cache.l1maxentries", 10_000)
	v.SetDefault("cache.l1maxbytes", int64(64<<20))
	v.SetDefault("cache.compressthreshold", 1024)
	v.SetDefault("cache.ttljitter", 0.1)
	v.SetDefault("cache.purgeinterval", time.Minute)

	v.SetDefault("collab.debouncedelay", 100*time.Millisecond)
	v.SetDefault("collab.roomidletimeout", 5*time.Minute)
	v.SetDefault("collab.sweepinterval", 30*time.Second)
	v.SetDefault("collab.heartbeatinterval", 30*time.Second)
	v.SetDefault("collab.maxconcurrentcalcs", 64)
	v.SetDefault("collab.calctimeout", 10*time.Second)
	v.SetDefault("collab.presencettl", 60*time.Second)
	v.SetDefault("collab.versionttl", 24*time.Hour)

	v.SetDefault("ratelimit.limit", 20)
	v.SetDefault("ratelimit.window", 10*time.Second)
	v.SetDefault("ratelimit.inboundrps", 50.0)
	v.SetDefault("ratelimit.inboundburst", 100)

	v.SetDefault("calculator.path", "http://127.0.0.1:3005")
	v.SetDefault("calculator.timeout", 5*time.Second)

	v.SetDefault("retry.initialinterval", 50*time.Millisecond)
	v.SetDefault("retry.maxinterval", 2*time.Second)
	v.SetDefault("retry.maxtries", 3)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
}

// Load reads calcConfig.yaml (optional) and CALC_* environment overrides.
// Extra search paths are tried before the defaults.
func Load(paths ...string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("calcConfig")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CALC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TTLFor returns the per-service TTL, or the default.
func (c CacheConfig) TTLFor(service string) time.Duration {
	if ttl, ok := c.NamespaceTTLs[strings.ToLower(service)]; ok && ttl > 0 {
		return ttl
	}
	return c.DefaultTTL
}
