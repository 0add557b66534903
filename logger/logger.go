package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota // 调试信息（逐K线撮合细节）
	INFO                  // 一般信息（回测开始/结束、进度）
	WARN                  // 警告信息（策略信号错误、事件丢弃）
	ERROR                 // 错误信息（回测失败）
	FATAL                 // 致命错误（程序无法继续）
)

var (
	globalLevel LogLevel = INFO
	mu          sync.RWMutex

	// 文件日志
	fileEnabled bool
	fileLogger  *log.Logger
	logFile     *os.File
	currentDate string
	fileMu      sync.Mutex
	logDir      = "logs"

	globalLocation *time.Location = time.Local
	locationMu     sync.RWMutex

	// 日志持久化钩子（由 main 注入，避免 logger 依赖存储层）
	storageWriter func(level, message string)
	storageMu     sync.RWMutex
)

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel 解析日志级别字符串
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// SetLevel 设置全局日志级别
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	globalLevel = level
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return globalLevel
}

// SetLocation 设置日志时区
func SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	locationMu.Lock()
	defer locationMu.Unlock()
	globalLocation = loc
}

func location() *time.Location {
	locationMu.RLock()
	defer locationMu.RUnlock()
	return globalLocation
}

// EnableFileLog 开启按日期轮转的文件日志
func EnableFileLog(dir string) error {
	fileMu.Lock()
	defer fileMu.Unlock()
	if dir != "" {
		logDir = dir
	}
	fileEnabled = true
	return rotateLocked(true)
}

// rotateLocked 日期变化时切换日志文件，调用前必须持有 fileMu
func rotateLocked(force bool) error {
	today := time.Now().In(location()).Format("2006-01-02")
	if !force && fileLogger != nil && currentDate == today {
		return nil
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
		fileLogger = nil
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志文件夹失败: %w", err)
	}
	name := filepath.Join(logDir, fmt.Sprintf("quantsim-%s.log", today))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}
	logFile = file
	currentDate = today
	fileLogger = log.New(file, "", 0)
	return nil
}

// InitLogStorage 注入日志持久化函数
func InitLogStorage(writer func(level, message string)) {
	storageMu.Lock()
	defer storageMu.Unlock()
	storageWriter = writer
}

// Close 关闭文件日志（程序退出时调用）
func Close() {
	fileMu.Lock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
		fileLogger = nil
		currentDate = ""
	}
	fileEnabled = false
	fileMu.Unlock()

	storageMu.Lock()
	storageWriter = nil
	storageMu.Unlock()
}

func shouldLog(level LogLevel) bool {
	return level >= GetLevel()
}

func output(level LogLevel, message string) {
	log.Print(message)

	fileMu.Lock()
	if fileEnabled {
		if err := rotateLocked(false); err == nil && fileLogger != nil {
			fileLogger.Printf("%s %s", time.Now().In(location()).Format("2006/01/02 15:04:05"), message)
		}
	}
	fileMu.Unlock()

	storageMu.RLock()
	writer := storageWriter
	storageMu.RUnlock()
	if writer != nil {
		go func() {
			defer func() {
				// 持久化失败不能影响回测
				_ = recover()
			}()
			writer(level.String(), message)
		}()
	}
}

func logf(level LogLevel, format string, args ...interface{}) {
	if !shouldLog(level) {
		return
	}
	output(level, fmt.Sprintf("[%s] "+format, append([]interface{}{level.String()}, args...)...))
}

func logln(level LogLevel, args ...interface{}) {
	if !shouldLog(level) {
		return
	}
	message := fmt.Sprintln(append([]interface{}{fmt.Sprintf("[%s]", level.String())}, args...)...)
	output(level, strings.TrimSuffix(message, "\n"))
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	logf(DEBUG, format, args...)
}

// Debugln 输出调试日志（无格式）
func Debugln(args ...interface{}) {
	logln(DEBUG, args...)
}

// Info 输出一般信息日志
func Info(format string, args ...interface{}) {
	logf(INFO, format, args...)
}

// Infoln 输出一般信息日志（无格式）
func Infoln(args ...interface{}) {
	logln(INFO, args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	logf(WARN, format, args...)
}

// Warnln 输出警告日志（无格式）
func Warnln(args ...interface{}) {
	logln(WARN, args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	logf(ERROR, format, args...)
}

// Errorln 输出错误日志（无格式）
func Errorln(args ...interface{}) {
	logln(ERROR, args...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(format string, args ...interface{}) {
	logf(FATAL, format, args...)
	Close()
	os.Exit(1)
}

// Fatalf 兼容标准库
func Fatalf(format string, args ...interface{}) {
	Fatal(format, args...)
}
