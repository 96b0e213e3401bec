// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件或进程环境中（YAML 中不存储任何密码）。
//
// 配置路径确定策略：
//  1. --config 命令行参数（显式目录）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/agents-dispatch/
//     - dev/test → ./configs/
package config

import (
	"time"

	"agents-dispatch/pkg/logging"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	APIServer APIServerConfig `yaml:"api_server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Claim     ClaimConfig     `yaml:"claim"`
	Stale     StaleConfig     `yaml:"stale"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Log       logging.Config  `yaml:"log"`

	// loadedFrom 实际加载的配置文件路径（为空表示只用了默认值）
	loadedFrom string
}

// APIServerConfig API Server 配置
type APIServerConfig struct {
	Port string `yaml:"port"`
}

// DatabaseConfig 数据库配置
// 密码只从 DB_PASSWORD 读取；DATABASE_URL 整体覆盖
type DatabaseConfig struct {
	Driver  string `yaml:"driver"` // postgres | sqlite
	Path    string `yaml:"path"`   // sqlite 文件路径
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"` // 只从 REDIS_PASSWORD 读取
}

// NATSConfig NATS 配置
type NATSConfig struct {
	URL string `yaml:"url"`
}

// NotifierConfig 任务通知配置
type NotifierConfig struct {
	// Drivers 启用的通知后端：redis、nats；为空表示不通知
	Drivers []string `yaml:"drivers"`
	// Timeout 单次通知超时
	Timeout time.Duration `yaml:"timeout"`
}

// ClaimConfig 认领配置
type ClaimConfig struct {
	LeaseDuration      time.Duration `yaml:"lease_duration"`
	CandidateOverfetch int           `yaml:"candidate_overfetch"`
	MaxTasksCap        int           `yaml:"max_tasks_cap"`
	SweepOnClaim       *bool         `yaml:"sweep_on_claim"`
}

// StaleConfig 陈旧 Worker 回收配置
type StaleConfig struct {
	Threshold time.Duration `yaml:"threshold"`
	BatchSize int           `yaml:"batch_size"`
	// Interval 大于 0 时 serve 额外按固定周期回收；0 表示只在认领时顺带回收
	Interval time.Duration `yaml:"interval"`
}

// ScheduleConfig 周期任务配置
type ScheduleConfig struct {
	BatchSize int `yaml:"batch_size"`
	// TickInterval 大于 0 时 serve 内置定时 tick；0 表示只依赖外部调用 tick 接口
	TickInterval time.Duration `yaml:"tick_interval"`
}

// AuthConfig 认证配置，只从环境变量读取
type AuthConfig struct {
	JWTSecret  string // JWT_SECRET，为空时管理接口不鉴权
	CronSecret string // CRON_SECRET，为空时 tick 接口拒绝所有请求
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	APIPort        string
	DatabaseDriver string
	DatabaseURL    string
	Database       DatabaseConfig
	RedisURL       string
	NATSURL        string
	Notifier       NotifierConfig
	Claim          ClaimConfig
	Stale          StaleConfig
	Schedule       ScheduleConfig
	Log            logging.Config
	Auth           AuthConfig

	// LoadedFrom 实际加载的配置文件路径
	LoadedFrom string
}

// SweepEnabled 认领前是否顺带回收陈旧 Worker，未配置时默认开启
func (c ClaimConfig) SweepEnabled() bool {
	return c.SweepOnClaim == nil || *c.SweepOnClaim
}
