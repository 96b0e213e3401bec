package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//  1. 加载 .env.{env}（dev/test 凭据）
//  2. 根据 APP_ENV 加载 {env}.yaml
//  3. 环境变量覆盖并填充默认值
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}

	driver := detectDatabaseDriver(yamlCfg.Database.Driver, os.Getenv("DATABASE_URL"))
	yamlCfg.Database.Driver = driver
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(yamlCfg.Database, getEnv("DB_PASSWORD", ""))
	}

	yamlCfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = buildRedisURL(yamlCfg.Redis)
	}

	cfg := &Config{
		Env:            env,
		APIPort:        getEnv("API_PORT", yamlCfg.APIServer.Port),
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		Database:       yamlCfg.Database,
		RedisURL:       redisURL,
		NATSURL:        getEnv("NATS_URL", yamlCfg.NATS.URL),
		Notifier:       yamlCfg.Notifier,
		Claim:          yamlCfg.Claim,
		Stale:          yamlCfg.Stale,
		Schedule:       yamlCfg.Schedule,
		Log:            yamlCfg.Log,
		Auth: AuthConfig{
			JWTSecret:  os.Getenv("JWT_SECRET"),
			CronSecret: os.Getenv("CRON_SECRET"),
		},
		LoadedFrom: yamlCfg.loadedFrom,
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("NOTIFIER_DRIVERS"); v != "" {
		cfg.Notifier.Drivers = splitList(v)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultYAMLConfig 硬编码默认值
func defaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		APIServer: APIServerConfig{Port: "8080"},
		Database: DatabaseConfig{
			Driver: "sqlite", Path: "dispatch.db",
			Host: "localhost", Port: 5432, User: "dispatch", Name: "agents_dispatch", SSLMode: "disable",
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		NATS:  NATSConfig{URL: "nats://localhost:4222"},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → {env}.yaml
func loadYAMLConfig(env Environment) (*YAMLConfig, error) {
	cfg := defaultYAMLConfig()

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range effectiveConfigPaths() {
		path := filepath.Join(base, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.loadedFrom = path
		break
	}
	return cfg, nil
}

// validate 校验并填充默认值
func (c *Config) validate() error {
	if c.APIPort == "" {
		c.APIPort = "8080"
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	for _, d := range c.Notifier.Drivers {
		switch d {
		case "redis", "nats", "none":
		default:
			return fmt.Errorf("unsupported notifier driver %q", d)
		}
	}
	if c.Notifier.Timeout <= 0 {
		c.Notifier.Timeout = 3 * time.Second
	}

	c.Claim.validate()
	c.Stale.validate()
	c.Schedule.validate()
	return nil
}

func (c *ClaimConfig) validate() {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 15 * time.Minute
	}
	if c.CandidateOverfetch <= 0 {
		c.CandidateOverfetch = 4
	}
	if c.MaxTasksCap <= 0 {
		c.MaxTasksCap = 10
	}
}

func (s *StaleConfig) validate() {
	if s.Threshold <= 0 {
		s.Threshold = 15 * time.Minute
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	if s.Interval < 0 {
		s.Interval = 0
	}
}

func (s *ScheduleConfig) validate() {
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	if s.TickInterval < 0 {
		s.TickInterval = 0
	}
}

// splitList 解析逗号分隔列表
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
