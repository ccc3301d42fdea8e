package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
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
	CreditEvents string `mapstructure:"credit_events"`
}

// CourseConfig 课程定价（静态配置，cost 为 0 表示免费课程）
type CourseConfig struct {
	ID   string `mapstructure:"id"`
	Cost int64  `mapstructure:"cost"`
}

type BusinessConfig struct {
	SignupBonusCredits         int64          `mapstructure:"signup_bonus_credits"`
	SubscriptionInitialCredits int64          `mapstructure:"subscription_initial_credits"`
	SubscriptionRenewalCredits int64          `mapstructure:"subscription_renewal_credits"`
	WebhookSecret              string         `mapstructure:"webhook_secret"`
	MaxRetryCount              int            `mapstructure:"max_retry_count"`
	ReconcileIntervalSeconds   int            `mapstructure:"reconcile_interval_seconds"`
	Courses                    []CourseConfig `mapstructure:"courses"`
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
