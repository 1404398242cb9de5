package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Dispatcher DispatcherConfig
	Redis      RedisConfig
	Server     ServerConfig
	RepoPool   RepoPoolConfig

	AgentPools   map[string]PoolConfig
	SkillMapping map[string][]string

	LogLevel  string
	LogPretty bool
}

type DispatcherConfig struct {
	PollInterval            time.Duration
	SchedulingPolicy        string
	MaxGlobalConcurrency    int
	HeartbeatTimeout        time.Duration
	RetryMaxAttempts        int
	RetryBackoffBase        float64
	RetryInitialDelay       time.Duration
	RetryMaxDelay           time.Duration
	GracefulShutdownTimeout time.Duration
	DeadlockCheckInterval   time.Duration
	TaskRegistryDir         string
}

type PoolConfig struct {
	Type           string
	MaxConcurrency int
	CPUQuota       float64
	MemoryQuota    int
	Enabled        *bool
	Config         map[string]string
}

// IsEnabled applies the enabled-by-default rule for pool declarations.
func (p PoolConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RepoPoolConfig struct {
	BaseDir string
	Repos   map[string]RepoConfig
}

type RepoConfig struct {
	URL   string
	Slots int
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("dispatcher")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/dispatcher")
	}

	setDefaults(v)

	v.SetEnvPrefix("DISPATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional unless an explicit path was given.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	for name, pool := range cfg.AgentPools {
		if pool.MaxConcurrency < 1 {
			return fmt.Errorf("agent pool %q: max_concurrency must be >= 1", name)
		}
	}
	if cfg.Dispatcher.MaxGlobalConcurrency < 1 {
		return fmt.Errorf("max_global_concurrency must be >= 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dispatcher.pollinterval", 5*time.Second)
	v.SetDefault("dispatcher.schedulingpolicy", "priority")
	v.SetDefault("dispatcher.maxglobalconcurrency", 10)
	v.SetDefault("dispatcher.heartbeattimeout", 60*time.Second)
	v.SetDefault("dispatcher.retrymaxattempts", 3)
	v.SetDefault("dispatcher.retrybackoffbase", 2.0)
	v.SetDefault("dispatcher.retryinitialdelay", 1*time.Second)
	v.SetDefault("dispatcher.retrymaxdelay", 300*time.Second)
	v.SetDefault("dispatcher.gracefulshutdowntimeout", 300*time.Second)
	v.SetDefault("dispatcher.deadlockcheckinterval", 60*time.Second)
	v.SetDefault("dispatcher.taskregistrydir", "./task_registry")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.readtimeout", 10*time.Second)
	v.SetDefault("server.writetimeout", 10*time.Second)

	v.SetDefault("repopool.basedir", "./repo_pool")

	v.SetDefault("loglevel", "info")
	v.SetDefault("logpretty", false)
}
