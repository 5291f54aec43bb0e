package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	currentLevel = INFO
	mu           sync.RWMutex
)

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = ParseLogLevel(level)
}

// GetLogLevel returns the current log level as string
func GetLogLevel() string {
	mu.RLock()
	defer mu.RUnlock()
	switch currentLevel {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// shouldLog checks if a message should be logged at the current level
func shouldLog(level LogLevel) bool {
	mu.RLock()
	defer mu.RUnlock()
	return level >= currentLevel
}

// logMessage formats and outputs the log message
func logMessage(level string, format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	log.Printf("[%s] %s", level, message)
}

// Debug logs debug level messages
func Debug(format string, v ...interface{}) {
	if shouldLog(DEBUG) {
		logMessage("DEBUG", format, v...)
	}
}

// Info logs info level messages
func Info(format string, v ...interface{}) {
	if shouldLog(INFO) {
		logMessage("INFO", format, v...)
	}
}

// Warn logs warning level messages
func Warn(format string, v ...interface{}) {
	if shouldLog(WARN) {
		logMessage("WARN", format, v...)
	}
}

// Error logs error level messages
func Error(format string, v ...interface{}) {
	if shouldLog(ERROR) {
		logMessage("ERROR", format, v...)
	}
}
