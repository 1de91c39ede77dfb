// This package defines a common config struct which can be used by any subsystem within omemo.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// TrustPolicy decides what happens with identity keys nobody has made a decision about yet.
type TrustPolicy int

const (
	// Undecided identities are used for encryption until they are explicitly distrusted.
	TrustOnFirstUse TrustPolicy = iota
	// Undecided identities are never used for encryption.
	TrustExplicit
)

func (p TrustPolicy) String() string {
	switch p {
	case TrustOnFirstUse:
		return "trust-on-first-use"
	case TrustExplicit:
		return "explicit"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

type Config struct {
	Debug                  bool
	RootDir                string
	LoggingPrefix          string
	TrustPolicy            TrustPolicy
	PrekeyCount            int
	PrekeyLowWater         int
	SignedPrekeyRotationMs uint64
	BundleFetchTimeoutMs   int64
	DirectoryTimeoutMs     int64
	RequestTimeoutMs       int64
	writer                 io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	return logger.Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithTrustPolicy(p TrustPolicy) Option {
	return func(c *Config) {
		c.TrustPolicy = p
	}
}

func WithPrekeyCount(n int) Option {
	return func(c *Config) {
		c.PrekeyCount = n
	}
}

func WithPrekeyLowWater(n int) Option {
	return func(c *Config) {
		c.PrekeyLowWater = n
	}
}

func WithSignedPrekeyRotationMs(n uint64) Option {
	return func(c *Config) {
		c.SignedPrekeyRotationMs = n
	}
}

func WithBundleFetchTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.BundleFetchTimeoutMs = n
	}
}

func WithDirectoryTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.DirectoryTimeoutMs = n
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                  os.Getenv("DEBUG") == "1",
		RootDir:                ".",
		LoggingPrefix:          "",
		TrustPolicy:            TrustOnFirstUse,
		PrekeyCount:            100,
		PrekeyLowWater:         25,
		SignedPrekeyRotationMs: 7 * 24 * 60 * 60 * 1000,
		BundleFetchTimeoutMs:   5000,
		DirectoryTimeoutMs:     5000,
		RequestTimeoutMs:       5000,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}
	if c.PrekeyLowWater > c.PrekeyCount {
		c.PrekeyLowWater = c.PrekeyCount
	}

	c.writer = &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return c
}
