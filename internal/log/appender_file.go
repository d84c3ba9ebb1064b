package log

import (
	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/divert/internal/config"
)

// AddFileAppender appends a size-rotated log file.
func (m *MultiWriter) AddFileAppender(options config.LogFileConfig) *MultiWriter {
	writer := &lumberjack.Logger{
		Filename:   options.Filename,
		MaxSize:    options.MaxSize,    // megabytes
		MaxBackups: options.MaxBackups, // number of backups
		MaxAge:     options.MaxAge,     // days
		Compress:   options.Compress,
	}
	m.mu.Lock()
	m.writers = append(m.writers, writer)
	m.mu.Unlock()
	return m
}
