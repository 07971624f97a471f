package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotates "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var log *logrus.Logger

// 日志周期
const (
	CycleNone = ""
	CycleHour = "hour"
	CycleDay  = "day"
)

// Config 日志配置
type Config struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	Output     string `json:"output"`
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
	Compress   bool   `json:"compress"`
	// Dir/Name/Cycle 按进程名与周期生成 <Name>_YYYYMMDDHH.log 或 <Name>_YYYYMMDD.log
	Dir   string `json:"dir"`
	Name  string `json:"name"`
	Cycle string `json:"cycle"`
}

// Init 初始化日志
func Init(config Config) error {
	log = logrus.New()

	// 设置日志级别
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// 设置日志格式
	var formatter logrus.Formatter
	if config.Format == "json" {
		formatter = &logrus.JSONFormatter{
			TimestampFormat:   "2006-01-02 15:04:05",
			DisableHTMLEscape: true,
		}
	} else {
		formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		}
	}
	log.SetFormatter(formatter)

	var writers []io.Writer
	if config.Output == "console" || config.Output == "both" || config.Output == "" {
		writers = append(writers, os.Stdout)
	}

	if config.Output == "file" || config.Output == "both" {
		cycle := NormalizeCycle(config.Cycle)
		if cycle != CycleNone && config.Name != "" {
			// 按小时/天切割的进程日志，通过 lfshook 挂载
			hook, err := newCycleHook(config, cycle, formatter)
			if err != nil {
				return err
			}
			log.AddHook(hook)
		} else {
			if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
				return err
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   config.FilePath,
				MaxSize:    config.MaxSize,
				MaxBackups: config.MaxBackups,
				MaxAge:     config.MaxAge,
				Compress:   config.Compress,
			})
		}
	}

	if len(writers) > 0 {
		log.SetOutput(io.MultiWriter(writers...))
	} else {
		log.SetOutput(io.Discard)
	}

	return nil
}

// newCycleHook 创建按周期切割的文件 hook
func newCycleHook(config Config, cycle string, formatter logrus.Formatter) (logrus.Hook, error) {
	dir := config.Dir
	if dir == "" {
		dir = filepath.Dir(config.FilePath)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	pattern := filepath.Join(dir, config.Name+"_%Y%m%d%H.log")
	rotation := time.Hour
	if cycle == CycleDay {
		pattern = filepath.Join(dir, config.Name+"_%Y%m%d.log")
		rotation = 24 * time.Hour
	}
	maxAge := time.Duration(config.MaxAge) * 24 * time.Hour
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	writer, err := rotates.New(pattern,
		rotates.WithMaxAge(maxAge),
		rotates.WithRotationTime(rotation),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rotate writer: %w", err)
	}
	return lfshook.NewHook(lfshook.WriterMap{
		logrus.TraceLevel: writer,
		logrus.DebugLevel: writer,
		logrus.InfoLevel:  writer,
		logrus.WarnLevel:  writer,
		logrus.ErrorLevel: writer,
		logrus.FatalLevel: writer,
		logrus.PanicLevel: writer,
	}, formatter), nil
}

// NormalizeCycle 统一日志周期写法（H/HOUR/1 -> hour，D/DAY/2 -> day）
func NormalizeCycle(cycle string) string {
	switch strings.ToLower(strings.TrimSpace(cycle)) {
	case "h", "hour", "hourly", "1":
		return CycleHour
	case "d", "day", "daily", "2":
		return CycleDay
	default:
		return CycleNone
	}
}

// FileName 计算进程日志文件名，LogRouter 的尾随读取也用它定位文件
func FileName(name, cycle string, t time.Time) string {
	if NormalizeCycle(cycle) == CycleDay {
		return fmt.Sprintf("%s_%s.log", name, t.Format("20060102"))
	}
	return fmt.Sprintf("%s_%s.log", name, t.Format("2006010215"))
}

// GetLogger 获取日志实例
func GetLogger() *logrus.Logger {
	if log == nil {
		log = logrus.New()
	}
	return log
}

// Debug 调试日志
func Debug(args ...interface{}) {
	GetLogger().Debug(args...)
}

// Debugf 格式化调试日志
func Debugf(format string, args ...interface{}) {
	GetLogger().Debugf(format, args...)
}

// Info 信息日志
func Info(args ...interface{}) {
	GetLogger().Info(args...)
}

// Infof 格式化信息日志
func Infof(format string, args ...interface{}) {
	GetLogger().Infof(format, args...)
}

// Warn 警告日志
func Warn(args ...interface{}) {
	GetLogger().Warn(args...)
}

// Warnf 格式化警告日志
func Warnf(format string, args ...interface{}) {
	GetLogger().Warnf(format, args...)
}

// Error 错误日志
func Error(args ...interface{}) {
	GetLogger().Error(args...)
}

// Errorf 格式化错误日志
func Errorf(format string, args ...interface{}) {
	GetLogger().Errorf(format, args...)
}

// Fatal 致命错误日志
func Fatal(args ...interface{}) {
	GetLogger().Fatal(args...)
}

// Fatalf 格式化致命错误日志
func Fatalf(format string, args ...interface{}) {
	GetLogger().Fatalf(format, args...)
}

// WithField 添加字段
func WithField(key string, value interface{}) *logrus.Entry {
	return GetLogger().WithField(key, value)
}

// WithFields 添加多个字段
func WithFields(fields logrus.Fields) *logrus.Entry {
	return GetLogger().WithFields(fields)
}
