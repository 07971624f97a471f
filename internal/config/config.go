package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构（所有角色共用一个配置文件）
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Manager    ManagerConfig    `mapstructure:"manager"`
	Parser     ParserConfig     `mapstructure:"parser"`
	Connector  ConnectorConfig  `mapstructure:"connector"`
	Router     RouterConfig     `mapstructure:"router"`
	DataRouter DataRouterConfig `mapstructure:"datarouter"`
	LogRouter  LogRouterConfig  `mapstructure:"logrouter"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Session    SessionConfig    `mapstructure:"session"`
	MMC        MMCConfig        `mapstructure:"mmc"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig 集群控制器配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`      // Manager 会话监听端口
	HTTPPort     int           `mapstructure:"http_port"` // GUI/MMC 前门
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SyncInterval DB 同步线程重新读取端口表的周期
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

// ManagerConfig 每主机管理进程配置
type ManagerConfig struct {
	ID         string `mapstructure:"id"`
	ServerAddr string `mapstructure:"server_addr"`
	// RunDir 各角色 Unix 监听端点所在目录
	RunDir string `mapstructure:"run_dir"`
	// BinDir 子进程可执行文件目录
	BinDir string `mapstructure:"bin_dir"`
	// RestartDelay 非正常退出后的重启延迟
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	// TerminateWait CMD_PROC_TERMINATE 之后强杀前的等待
	TerminateWait time.Duration `mapstructure:"terminate_wait"`
	// ReapInterval 周期性回收子进程
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	// SiteConfig INI 站点配置（MMC 黑名单、RuleCopy）
	SiteConfig string `mapstructure:"site_config"`
	// RuleCopyCommand 规则下发时执行的外部拷贝命令
	RuleCopyCommand string `mapstructure:"rule_copy_command"`
	RuleCopyRetries int    `mapstructure:"rule_copy_retries"`
	// RuleCopyFatal RuleCopy 最终失败时是否终止 Manager
	RuleCopyFatal bool `mapstructure:"rule_copy_fatal"`
	// MetricsAddr Manager 的 prometheus 暴露地址（空为不启用）
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// ParserConfig 解析进程配置
type ParserConfig struct {
	RuleDir string `mapstructure:"rule_dir"`
	TmpDir  string `mapstructure:"tmp_dir"`
	// RotateHours 原始文件切换周期（小时）
	RotateHours int `mapstructure:"rotate_hours"`
	// RotateSlack 周期边界后的延迟秒数
	RotateSlack int `mapstructure:"rotate_slack"`
	// Consumers 数据处理器 ID 列表，每个对应一个 DataRouter 连接
	Consumers []string `mapstructure:"consumers"`
	// PollInterval DataSender 轮询间隔
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SegBlockSize PARSED_DATA_SEG_BLK_SIZE
	SegBlockSize int `mapstructure:"seg_block_size"`
	// Sentinels 视为消息结束的行
	Sentinels []string `mapstructure:"sentinels"`
	// Delimiter 规则文件字段分隔符
	Delimiter  string `mapstructure:"delimiter"`
	WatchRules bool   `mapstructure:"watch_rules"`
	// ArchiveRaw 切换后归档原始文件
	ArchiveRaw bool `mapstructure:"archive_raw"`
}

// ConnectorConfig NE 连接进程配置
type ConnectorConfig struct {
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	ReplyTerminators []string      `mapstructure:"reply_terminators"`
	ReReadRetries    int           `mapstructure:"reread_retries"`
	ReReadInterval   time.Duration `mapstructure:"reread_interval"`
	// QueueSize 每端口 MMC 排队上限
	QueueSize int `mapstructure:"queue_size"`
	// Charset NE 回复编码：auto、utf-8、gbk、gb18030、big5
	Charset string `mapstructure:"charset"`
}

// RouterConfig 轻量多路复用器配置
type RouterConfig struct {
	Listen      string   `mapstructure:"listen"`
	Downstreams []string `mapstructure:"downstreams"`
	// TerminateWait 有序关闭时等待对端断开的时间（PROC_TERMINATE_WAIT）
	TerminateWait  time.Duration `mapstructure:"terminate_wait"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// DataRouterConfig 数据路由配置
type DataRouterConfig struct {
	// Listen Parser 连接的本地端点
	Listen string `mapstructure:"listen"`
	// Handlers 数据处理器 ID -> TCP 地址
	Handlers map[string]string `mapstructure:"handlers"`
	// Mapping 可选的 ident 名称映射
	Mapping        map[string]string `mapstructure:"mapping"`
	ReconnectDelay time.Duration     `mapstructure:"reconnect_delay"`
	// SegBlockSize 转发给数据处理器时的分段块大小
	SegBlockSize int `mapstructure:"seg_block_size"`
	// QueueSize 每个数据处理器的待发队列
	QueueSize int `mapstructure:"queue_size"`
}

// LogRouterConfig 日志尾随配置
type LogRouterConfig struct {
	Listen   string `mapstructure:"listen"`
	LogDir   string `mapstructure:"log_dir"`
	RawDir   string `mapstructure:"raw_dir"`
	Host     string `mapstructure:"host"`
	Chunk    int    `mapstructure:"chunk"`
	Backlog  int64  `mapstructure:"backlog"`
	PollMS   int    `mapstructure:"poll_ms"`
	RecheckS int    `mapstructure:"recheck_s"`
}

// GatewayConfig DB 网关配置
type GatewayConfig struct {
	Listen string `mapstructure:"listen"`
	// Fork 为 true 时每个客户端 re-exec 一个子进程，否则一个 goroutine
	Fork           bool   `mapstructure:"fork"`
	MaxSessions    int    `mapstructure:"max_sessions"`
	DSN            string `mapstructure:"dsn"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	UnlinkChildLog bool   `mapstructure:"unlink_child_log"`
}

// SessionConfig 会话与存活检查配置
type SessionConfig struct {
	AliveInterval time.Duration `mapstructure:"alive_interval"`
	AliveFailMax  int           `mapstructure:"alive_fail_max"`
	ReReadRetry   bool          `mapstructure:"reread_retry"`
}

// MMCConfig MMC 派发配置
type MMCConfig struct {
	// Blacklist 禁止下发的命令前缀（与站点 INI 合并）
	Blacklist []string `mapstructure:"blacklist"`
	// QueueLimit 每个优先级队列的流控阈值
	QueueLimit int `mapstructure:"queue_limit"`
	// QueueMax 每个优先级队列的硬上限，超过后直接拒绝
	QueueMax int `mapstructure:"queue_max"`
	// FlowCheckInterval 流控恢复检查周期
	FlowCheckInterval time.Duration `mapstructure:"flow_check_interval"`
	// IdleSleep 两个队列都为空时派发线程的休眠
	IdleSleep time.Duration `mapstructure:"idle_sleep"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig 原始文件归档配置
type StorageConfig struct {
	// Backend local | minio
	Backend string             `mapstructure:"backend"`
	Local   LocalStorageConfig `mapstructure:"local"`
	Minio   MinioConfig        `mapstructure:"minio"`
}

// LocalStorageConfig 本地归档目录
type LocalStorageConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
}

// MinioConfig 对象存储配置
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Secure    bool   `mapstructure:"secure"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	Dir        string `mapstructure:"dir"`
	Cycle      string `mapstructure:"cycle"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

var globalConfig *Config

// Load 加载配置文件；configPath 为空时只使用默认值与环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// 设置默认值
	setDefaults(v)

	// 设置环境变量前缀
	v.SetEnvPrefix("NAFABRIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("nafabric")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 环境变量替换
	config = replaceEnvVars(config)

	globalConfig = &config
	return &config, nil
}

// Default 返回只含默认值的配置（测试与工具使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7400)
	v.SetDefault("server.http_port", 7480)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.sync_interval", 30*time.Second)

	v.SetDefault("manager.id", "MGR01")
	v.SetDefault("manager.server_addr", "127.0.0.1:7400")
	v.SetDefault("manager.run_dir", "./run")
	v.SetDefault("manager.bin_dir", "./bin")
	v.SetDefault("manager.restart_delay", time.Second)
	v.SetDefault("manager.terminate_wait", 5*time.Second)
	v.SetDefault("manager.reap_interval", time.Second)
	v.SetDefault("manager.rule_copy_retries", 2)
	v.SetDefault("manager.rule_copy_fatal", false)

	v.SetDefault("parser.rule_dir", "./rules")
	v.SetDefault("parser.tmp_dir", "./data/raw")
	v.SetDefault("parser.rotate_hours", 3)
	v.SetDefault("parser.rotate_slack", 10)
	v.SetDefault("parser.consumers", []string{})
	v.SetDefault("parser.poll_interval", 10*time.Millisecond)
	v.SetDefault("parser.seg_block_size", 8000)
	v.SetDefault("parser.sentinels", []string{"---    END"})
	v.SetDefault("parser.delimiter", "_PBS_")
	v.SetDefault("parser.watch_rules", false)
	v.SetDefault("parser.archive_raw", false)

	v.SetDefault("connector.dial_timeout", 5*time.Second)
	v.SetDefault("connector.reconnect_delay", 5*time.Second)
	v.SetDefault("connector.command_timeout", 30*time.Second)
	v.SetDefault("connector.reply_terminators", []string{"---    END"})
	v.SetDefault("connector.reread_retries", 4)
	v.SetDefault("connector.reread_interval", 70*time.Millisecond)
	v.SetDefault("connector.queue_size", 64)
	v.SetDefault("connector.charset", "auto")

	v.SetDefault("router.listen", "127.0.0.1:7410")
	v.SetDefault("router.terminate_wait", 5*time.Second)
	v.SetDefault("router.reconnect_delay", 5*time.Second)
	v.SetDefault("router.queue_size", 1024)

	v.SetDefault("datarouter.listen", "./run/datarouter.sock")
	v.SetDefault("datarouter.reconnect_delay", 5*time.Second)
	v.SetDefault("datarouter.seg_block_size", 8000)
	v.SetDefault("datarouter.queue_size", 4096)

	v.SetDefault("logrouter.listen", "127.0.0.1:7420")
	v.SetDefault("logrouter.log_dir", "./logs")
	v.SetDefault("logrouter.raw_dir", "./data/msg")
	v.SetDefault("logrouter.chunk", 8192)
	v.SetDefault("logrouter.backlog", 1000)
	v.SetDefault("logrouter.poll_ms", 70)
	v.SetDefault("logrouter.recheck_s", 300)

	v.SetDefault("gateway.listen", "127.0.0.1:7430")
	v.SetDefault("gateway.fork", true)
	v.SetDefault("gateway.max_sessions", 64)
	v.SetDefault("gateway.dsn", "./data/nafabric.db")
	v.SetDefault("gateway.unlink_child_log", true)

	v.SetDefault("session.alive_interval", 5*time.Second)
	v.SetDefault("session.alive_fail_max", 3)
	v.SetDefault("session.reread_retry", true)

	v.SetDefault("mmc.blacklist", []string{"DIS-MS:", "RTRV-MS-INF:"})
	v.SetDefault("mmc.queue_limit", 100)
	v.SetDefault("mmc.queue_max", 1000)
	v.SetDefault("mmc.flow_check_interval", 2*time.Second)
	v.SetDefault("mmc.idle_sleep", 70*time.Millisecond)

	v.SetDefault("database.sqlite.path", "./data/nafabric.db")
	v.SetDefault("database.sqlite.max_idle_conns", 1)
	v.SetDefault("database.sqlite.max_open_conns", 1)
	v.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.base_dir", "./data/archive")
	v.SetDefault("storage.local.mkdir_if_missing", true)
	v.SetDefault("storage.minio.prefix", "raw")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file_path", "./logs/nafabric.log")
	v.SetDefault("log.dir", "./logs")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age", 7)
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// replaceEnvVars 替换配置中的环境变量
func replaceEnvVars(config Config) Config {
	for _, field := range []*string{
		&config.Manager.ID,
		&config.Storage.Minio.AccessKey,
		&config.Storage.Minio.SecretKey,
		&config.Gateway.User,
		&config.Gateway.Password,
	} {
		*field = expandEnv(*field)
	}
	return config
}

// expandEnv 整个值为 ${VAR} 时以环境变量替换，变量为空时保留原值
func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		if value := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}")); value != "" {
			return value
		}
	}
	return v
}

// GetServerAddr 获取 Manager 会话监听地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetHTTPAddr 获取 HTTP 前门地址
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}
