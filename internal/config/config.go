package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"tempinbox/backend/internal/domain"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// InboxConfig 定义临时收件箱的核心业务配置
type InboxConfig struct {
	Domain        string        // 唯一服务域名，生成地址与 SMTP 收件人校验都使用它
	Lifetime      time.Duration // 收件箱生存时间，创建时固定
	SweepInterval time.Duration // 过期清扫间隔
}

// SMTPConfig 定义 SMTP 邮件接收服务器的配置
type SMTPConfig struct {
	Host            string        // 监听地址，默认 "0.0.0.0"
	Port            int           // 首选端口，默认 25
	FallbackPort    int           // 首选端口权限不足时改用的端口，0 表示不回退
	Hostname        string        // HELO/EHLO 响应中的服务器名，默认等于 Inbox.Domain
	MaxMessageBytes int64         // 单封邮件最大字节数
	MaxRecipients   int           // 单次会话最多收件人
	MaxLineLength   int           // 命令与 DATA 中单行最大字节数
	ReadTimeout     time.Duration // 命令/数据读取超时
	WriteTimeout    time.Duration // 响应写入超时
	MaxConnections  int           // 最大并发会话数
	ConnectionRate  int           // 每秒最多新建连接数
}

// HTTPConfig 定义 API 层的限流配置
type HTTPConfig struct {
	GenerateRate   int           // 每个 IP 在 GenerateWindow 内可生成的地址数量
	GenerateBurst  int           // 突发上限
	GenerateWindow time.Duration // 限流窗口
	MaxBodyBytes   int64         // 请求体大小上限
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到标准输出
}

// RedisConfig 定义新邮件事件发布所用的 Redis
type RedisConfig struct {
	Address  string // Redis 服务地址，留空表示不启用
	Password string
	DB       int
	Channel  string // 频道前缀
}

// NotifyConfig 定义新邮件通知的异步派发参数
type NotifyConfig struct {
	Workers   int
	QueueSize int
}

// Config 是系统核心配置的根结构体
type Config struct {
	Server ServerConfig
	Inbox  InboxConfig
	SMTP   SMTPConfig
	HTTP   HTTPConfig
	CORS   CORSConfig
	Log    LogConfig
	Redis  RedisConfig
	Notify NotifyConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: TEMPINBOX_，例如 TEMPINBOX_INBOX_DOMAIN、TEMPINBOX_SMTP_PORT
//
// TEMPINBOX_CONFIG_FILE 指向 YAML/TOML/JSON 配置文件时，文件中的值优先级介于环境变量和默认值之间。
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("tempinbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("TEMPINBOX_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("inbox.domain", "ariyabot.ir")
	v.SetDefault("inbox.lifetime", "15m")
	v.SetDefault("inbox.sweep_interval", "60s")
	v.SetDefault("smtp.host", "0.0.0.0")
	v.SetDefault("smtp.port", 25)
	v.SetDefault("smtp.fallback_port", 2525)
	v.SetDefault("smtp.hostname", "")
	v.SetDefault("smtp.max_message_bytes", 10*1024*1024)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.max_line_length", 64*1024)
	v.SetDefault("smtp.read_timeout", "60s")
	v.SetDefault("smtp.write_timeout", "60s")
	v.SetDefault("smtp.max_connections", 100)
	v.SetDefault("smtp.connection_rate", 20)
	v.SetDefault("http.generate_rate", 10)
	v.SetDefault("http.generate_burst", 5)
	v.SetDefault("http.generate_window", "1m")
	v.SetDefault("http.max_body_bytes", 1024*1024)
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "tempinbox:new-mail")
	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.queue_size", 256)

	inboxDomain := strings.ToLower(strings.TrimSpace(v.GetString("inbox.domain")))
	if err := domain.ValidateDomain(inboxDomain); err != nil {
		return nil, fmt.Errorf("invalid inbox.domain %q: %w", inboxDomain, err)
	}

	lifetime, err := time.ParseDuration(v.GetString("inbox.lifetime"))
	if err != nil {
		return nil, fmt.Errorf("invalid inbox.lifetime: %w", err)
	}
	if lifetime <= 0 {
		return nil, fmt.Errorf("inbox.lifetime must be positive")
	}

	sweepInterval, err := time.ParseDuration(v.GetString("inbox.sweep_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid inbox.sweep_interval: %w", err)
	}
	if sweepInterval <= 0 {
		return nil, fmt.Errorf("inbox.sweep_interval must be positive")
	}

	smtpPort := v.GetInt("smtp.port")
	if !validPort(smtpPort) {
		return nil, fmt.Errorf("invalid smtp.port: %d", smtpPort)
	}
	fallbackPort := v.GetInt("smtp.fallback_port")
	if fallbackPort != 0 && !validPort(fallbackPort) {
		return nil, fmt.Errorf("invalid smtp.fallback_port: %d", fallbackPort)
	}

	hostname := v.GetString("smtp.hostname")
	if hostname == "" {
		hostname = inboxDomain
	}

	maxMessageBytes := v.GetInt64("smtp.max_message_bytes")
	if maxMessageBytes <= 0 {
		return nil, fmt.Errorf("smtp.max_message_bytes must be positive")
	}

	readTimeout, err := time.ParseDuration(v.GetString("smtp.read_timeout"))
	if err != nil {
		readTimeout = 60 * time.Second
	}
	writeTimeout, err := time.ParseDuration(v.GetString("smtp.write_timeout"))
	if err != nil {
		writeTimeout = 60 * time.Second
	}

	generateWindow, err := time.ParseDuration(v.GetString("http.generate_window"))
	if err != nil || generateWindow <= 0 {
		generateWindow = time.Minute
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Inbox: InboxConfig{
			Domain:        inboxDomain,
			Lifetime:      lifetime,
			SweepInterval: sweepInterval,
		},
		SMTP: SMTPConfig{
			Host:            v.GetString("smtp.host"),
			Port:            smtpPort,
			FallbackPort:    fallbackPort,
			Hostname:        hostname,
			MaxMessageBytes: maxMessageBytes,
			MaxRecipients:   positiveOr(v.GetInt("smtp.max_recipients"), 50),
			MaxLineLength:   positiveOr(v.GetInt("smtp.max_line_length"), 64*1024),
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			MaxConnections:  positiveOr(v.GetInt("smtp.max_connections"), 100),
			ConnectionRate:  positiveOr(v.GetInt("smtp.connection_rate"), 20),
		},
		HTTP: HTTPConfig{
			GenerateRate:   positiveOr(v.GetInt("http.generate_rate"), 10),
			GenerateBurst:  positiveOr(v.GetInt("http.generate_burst"), 5),
			GenerateWindow: generateWindow,
			MaxBodyBytes:   int64(positiveOr(v.GetInt("http.max_body_bytes"), 1024*1024)),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		Notify: NotifyConfig{
			Workers:   positiveOr(v.GetInt("notify.workers"), 4),
			QueueSize: positiveOr(v.GetInt("notify.queue_size"), 256),
		},
	}

	return cfg, nil
}

// SMTPAddr 返回首选的 SMTP 监听地址
func (c *Config) SMTPAddr() string {
	return fmt.Sprintf("%s:%d", c.SMTP.Host, c.SMTP.Port)
}

// HTTPAddr 返回 HTTP 监听地址
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 文件不存在时静默跳过；已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
