// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogMaxSize = 300 // 日志文件默认最大大小，单位 MB。
)

// FileLogConfig 为文件日志相关配置，Filename 为空表示关闭文件日志。
type FileLogConfig struct {
	RootPath   string `yaml:"root_path" mapstructure:"root_path"`
	Filename   string `yaml:"filename" mapstructure:"filename"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"` // MB
	MaxDays    int    `yaml:"max_days" mapstructure:"max_days"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// Config 为日志相关配置，字段与 darkrelay.yaml 中的 log 段一一对应。
type Config struct {
	// Level 为日志级别，支持 debug、info、warn、error，trace 视同 debug。
	Level string `yaml:"level" mapstructure:"level"`
	// Format 为日志格式，可选 json 或 console，默认 console。
	Format string `yaml:"format" mapstructure:"format"`
	// Stdout 表示是否输出到标准输出。
	Stdout bool          `yaml:"stdout" mapstructure:"stdout"`
	File   FileLogConfig `yaml:"file" mapstructure:"file"`

	Development         bool `yaml:"development" mapstructure:"development"`
	DisableTimestamp    bool `yaml:"disable_timestamp" mapstructure:"disable_timestamp"`
	DisableCaller       bool `yaml:"disable_caller" mapstructure:"disable_caller"`
	DisableStacktrace   bool `yaml:"disable_stacktrace" mapstructure:"disable_stacktrace"`
	DisableErrorVerbose bool `yaml:"disable_error_verbose" mapstructure:"disable_error_verbose"`

	// Sampling 以“每秒”为单位限制日志量，具体行为参考 zapcore.NewSampler。
	Sampling *zap.SamplingConfig `yaml:"sampling,omitempty" mapstructure:"sampling"`

	// AsyncWriteEnable 开启后日志先写入内存缓冲，再按 AsyncWriteFlushInterval 周期落盘。
	AsyncWriteEnable        bool          `yaml:"async_write_enable" mapstructure:"async_write_enable"`
	AsyncWriteFlushInterval time.Duration `yaml:"async_write_flush_interval" mapstructure:"async_write_flush_interval"`
	AsyncWriteBufferSize    int           `yaml:"async_write_buffer_size" mapstructure:"async_write_buffer_size"`
}

// ZapProperties 记录 zap 日志相关的核心信息。
type ZapProperties struct {
	Core   zapcore.Core
	Syncer zapcore.WriteSyncer
	Level  zap.AtomicLevel
}

func newZapEncoder(cfg *Config) zapcore.Encoder {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "name",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000 -07:00"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.DisableTimestamp {
		encCfg.TimeKey = zapcore.OmitKey
	}
	if cfg.DisableErrorVerbose {
		encCfg.StacktraceKey = zapcore.OmitKey
	}
	if cfg.Format == "json" {
		return zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

func (cfg *Config) buildOptions(errSink zapcore.WriteSyncer) []zap.Option {
	opts := []zap.Option{zap.ErrorOutput(errSink)}

	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	if !cfg.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}

	stackLevel := zap.ErrorLevel
	if cfg.Development {
		stackLevel = zap.WarnLevel
	}
	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(stackLevel))
	}

	if cfg.Sampling != nil {
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewSamplerWithOptions(core, time.Second, cfg.Sampling.Initial, cfg.Sampling.Thereafter, zapcore.SamplerHook(cfg.Sampling.Hook))
		}))
	}
	return opts
}

// initialize 为异步写相关字段填充缺省值。
func (cfg *Config) initialize() {
	if cfg.AsyncWriteFlushInterval <= 0 {
		cfg.AsyncWriteFlushInterval = 10 * time.Second
	}
	if cfg.AsyncWriteBufferSize <= 0 {
		cfg.AsyncWriteBufferSize = 256 * 1024
	}
}
