package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// ============================================================================
// 功能门控方式常量
// ============================================================================

const (
	FeatureGateCredit  = "credit"  // 按 Meta 额度计费
	FeatureGateCounter = "counter" // 按月度免费次数限流
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	MySQL    MySQLConfig     `mapstructure:"mysql"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Kafka    KafkaConfig     `mapstructure:"kafka"`
	Business BusinessConfig  `mapstructure:"business"`
	Features []FeatureConfig `mapstructure:"features"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

type BusinessConfig struct {
	CreditValidityDays  int    `mapstructure:"credit_validity_days"`   // 额度有效期（天）
	ConsumeMaxRetries   int    `mapstructure:"consume_max_retries"`    // 消费乐观锁冲突重试次数
	SweepIntervalMin    int    `mapstructure:"sweep_interval_minutes"` // 过期回收任务执行间隔（分钟）
	SweepBatchSize      int    `mapstructure:"sweep_batch_size"`       // 单次回收的额度包数量上限
	CounterTimezone     string `mapstructure:"counter_timezone"`       // 月度计数的固定时区
	OutboxMaxRetryCount int    `mapstructure:"outbox_max_retry_count"` // 发件箱投递最大重试次数
}

// FeatureConfig 功能门控配置
// 每个功能的计费方式在这里静态声明，各处理器统一走准入网关，不再各自判断
type FeatureConfig struct {
	Key          string `mapstructure:"key"`           // 功能标识
	Gate         string `mapstructure:"gate"`          // credit / counter
	Cost         int64  `mapstructure:"cost"`          // credit 模式下的单次消耗额度
	MonthlyLimit int    `mapstructure:"monthly_limit"` // counter 模式下的每月免费次数
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

// FindFeature 按功能标识查找门控配置
func (c *Config) FindFeature(key string) *FeatureConfig {
	for i := range c.Features {
		if c.Features[i].Key == key {
			return &c.Features[i]
		}
	}
	return nil
}

// ValidityWindow 额度有效期
func (c *Config) ValidityWindow() time.Duration {
	return time.Duration(c.Business.CreditValidityDays) * 24 * time.Hour
}

// CounterLocation 月度计数使用的时区
// 配置缺失或非法时退回 UTC，保证月初边界始终可计算
func (c *Config) CounterLocation() *time.Location {
	loc, err := time.LoadLocation(c.Business.CounterTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
