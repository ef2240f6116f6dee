package config

import (
	"math"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/lk2023060901/darkrelay-go/internal/network/acceptor"
	"github.com/lk2023060901/darkrelay-go/internal/network/codec"
	"github.com/lk2023060901/darkrelay-go/internal/network/compressor"
	"github.com/lk2023060901/darkrelay-go/internal/network/crypto"
	"github.com/lk2023060901/darkrelay-go/internal/network/framer"
	"github.com/lk2023060901/darkrelay-go/internal/network/serializer"
	"github.com/lk2023060901/darkrelay-go/internal/relay"
	"github.com/lk2023060901/darkrelay-go/pkg/log"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
	"github.com/lk2023060901/darkrelay-go/pkg/util/viper"
)

const (
	// EnvPrefix 为环境变量前缀，键中的 "." 映射为 "_"，如 DARKRELAY_CODEC_COMPRESSION。
	EnvPrefix = "DARKRELAY"
	// EnvConfigFilePath 指定配置文件路径，优先级低于 --config。
	EnvConfigFilePath = "DARKRELAY_CONFIG_FILE_PATH"
	// DefaultConfigFile 存在时自动加载。
	DefaultConfigFile = "./darkrelay.yaml"

	redacted = "******"
)

// Config 为服务端的全部配置。
type Config struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
	// WSAddr 非空时额外开启 WebSocket 接入，承载与 TCP 相同的帧流。
	WSAddr string `yaml:"ws_addr" mapstructure:"ws_addr"`
	WSPath string `yaml:"ws_path" mapstructure:"ws_path"`
	// MetricsAddr 非空时在该地址的 /metrics 暴露 Prometheus 指标。
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr"`

	SpecialKey string `yaml:"special_key" mapstructure:"special_key"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownLinger   time.Duration `yaml:"shutdown_linger" mapstructure:"shutdown_linger"`

	MaxConnections       int    `yaml:"max_connections" mapstructure:"max_connections"`
	SendQueueSize        int    `yaml:"send_queue_size" mapstructure:"send_queue_size"`
	MaxLoginAttempts     int    `yaml:"max_login_attempts" mapstructure:"max_login_attempts"`
	MaxUsernameLength    int    `yaml:"max_username_length" mapstructure:"max_username_length"`
	MaxChannelNameLength int    `yaml:"max_channel_name_length" mapstructure:"max_channel_name_length"`
	MaxPayloadSize       int    `yaml:"max_payload_size" mapstructure:"max_payload_size"`
	MaxFrameSize         uint32 `yaml:"max_frame_size" mapstructure:"max_frame_size"`

	DefaultChannels []string `yaml:"default_channels" mapstructure:"default_channels"`

	Argon2 relay.Argon2Params `yaml:"argon2" mapstructure:"argon2"`
	Codec  CodecConfig        `yaml:"codec" mapstructure:"codec"`
	Log    log.Config         `yaml:"log" mapstructure:"log"`

	// source 为实际加载的配置文件，未加载文件时为空。
	source string
}

// CodecConfig 控制帧体的压缩与加密，客户端必须使用相同设置。
type CodecConfig struct {
	Compression bool `yaml:"compression" mapstructure:"compression"`
	// MinCompressSize 以下的消息体不压缩。
	MinCompressSize  int    `yaml:"min_compress_size" mapstructure:"min_compress_size"`
	Encryption       bool   `yaml:"encryption" mapstructure:"encryption"`
	EncryptionSecret string `yaml:"encryption_secret" mapstructure:"encryption_secret"`
}

// Default 返回内置默认配置。
func Default() *Config {
	opts := relay.DefaultOptions()
	return &Config{
		Addr:                 "0.0.0.0:8080",
		WSPath:               "/ws",
		SpecialKey:           string(opts.SpecialKey),
		HandshakeTimeout:     opts.HandshakeTimeout,
		IdleTimeout:          opts.IdleTimeout,
		WriteTimeout:         10 * time.Second,
		ShutdownLinger:       2 * time.Second,
		MaxConnections:       10000,
		SendQueueSize:        256,
		MaxLoginAttempts:     opts.MaxLoginAttempts,
		MaxUsernameLength:    opts.MaxUsernameLength,
		MaxChannelNameLength: opts.MaxChannelNameLength,
		MaxPayloadSize:       opts.MaxPayloadSize,
		MaxFrameSize:         framer.DefaultMaxFrameSize,
		DefaultChannels:      opts.DefaultChannels,
		Argon2:               opts.Argon2,
		Codec:                CodecConfig{MinCompressSize: 256},
		Log: log.Config{
			Level:  "info",
			Format: "console",
			Stdout: true,
		},
	}
}

// defaults 把默认配置展开为 viper 的键值，只有登记过的键才能被环境变量覆盖。
func defaults() map[string]any {
	d := Default()
	return map[string]any{
		"addr":                    d.Addr,
		"ws_addr":                 d.WSAddr,
		"ws_path":                 d.WSPath,
		"metrics_addr":            d.MetricsAddr,
		"special_key":             d.SpecialKey,
		"handshake_timeout":       d.HandshakeTimeout,
		"idle_timeout":            d.IdleTimeout,
		"write_timeout":           d.WriteTimeout,
		"shutdown_linger":         d.ShutdownLinger,
		"max_connections":         d.MaxConnections,
		"send_queue_size":         d.SendQueueSize,
		"max_login_attempts":      d.MaxLoginAttempts,
		"max_username_length":     d.MaxUsernameLength,
		"max_channel_name_length": d.MaxChannelNameLength,
		"max_payload_size":        d.MaxPayloadSize,
		"max_frame_size":          d.MaxFrameSize,
		"default_channels":        d.DefaultChannels,
		"argon2.time":             d.Argon2.Time,
		"argon2.memory_kib":       d.Argon2.MemoryKiB,
		"argon2.threads":          d.Argon2.Threads,
		"argon2.key_len":          d.Argon2.KeyLen,
		"argon2.salt_len":         d.Argon2.SaltLen,
		"codec.compression":       d.Codec.Compression,
		"codec.min_compress_size": d.Codec.MinCompressSize,
		"codec.encryption":        d.Codec.Encryption,
		"codec.encryption_secret": d.Codec.EncryptionSecret,
		"log.level":               d.Log.Level,
		"log.format":              d.Log.Format,
		"log.stdout":              d.Log.Stdout,
		"log.file.root_path":      d.Log.File.RootPath,
		"log.file.filename":       d.Log.File.Filename,
	}
}

// Load 按 默认值 < 配置文件 < 环境变量 的优先级加载配置并校验。
//
// 配置文件依次取 path、DARKRELAY_CONFIG_FILE_PATH、存在时的 ./darkrelay.yaml，都没有时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New(EnvPrefix)
	v.SetDefaults(defaults())

	if path = resolvePath(path); path != "" {
		if err := v.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	cfg.source = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv(EnvConfigFilePath); env != "" {
		return env
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile
	}
	return ""
}

// Source 返回加载的配置文件路径。
func (c *Config) Source() string {
	return c.source
}

// MinFrameSize 返回能容纳一条满载 History 回复（HistoryLimit 条 maxPayload 字节的消息）的最小帧长。
// 消息体为 JSON，[]byte 以 base64 编码，每条另计 512 字节的字段开销。
func MinFrameSize(maxPayload int) uint64 {
	perEnvelope := uint64(maxPayload+2)/3*4 + 512
	return relay.HistoryLimit*perEnvelope + 4096
}

// Validate 校验配置的取值。
func (c *Config) Validate() error {
	if c.Addr == "" {
		return merr.WrapErrParameterMissing("addr")
	}
	if c.SpecialKey == "" {
		return merr.WrapErrParameterMissing("special_key")
	}
	if c.HandshakeTimeout <= 0 {
		return merr.WrapErrParameterInvalidRange(time.Duration(1), time.Duration(math.MaxInt64), c.HandshakeTimeout, "handshake_timeout")
	}
	for name, d := range map[string]time.Duration{
		"idle_timeout":    c.IdleTimeout,
		"write_timeout":   c.WriteTimeout,
		"shutdown_linger": c.ShutdownLinger,
	} {
		if d < 0 {
			return merr.WrapErrParameterInvalidRange(time.Duration(0), time.Duration(math.MaxInt64), d, name)
		}
	}
	for name, n := range map[string]int{
		"max_connections":         c.MaxConnections,
		"send_queue_size":         c.SendQueueSize,
		"max_login_attempts":      c.MaxLoginAttempts,
		"max_username_length":     c.MaxUsernameLength,
		"max_channel_name_length": c.MaxChannelNameLength,
		"max_payload_size":        c.MaxPayloadSize,
	} {
		if n <= 0 {
			return merr.WrapErrParameterInvalidRange(1, math.MaxInt, n, name)
		}
	}
	if minFrame := MinFrameSize(c.MaxPayloadSize); uint64(c.MaxFrameSize) < minFrame {
		return merr.WrapErrParameterInvalidRange(minFrame, uint64(math.MaxUint32), uint64(c.MaxFrameSize),
			"max_frame_size must hold a full history reply at max_payload_size")
	}

	for _, name := range c.DefaultChannels {
		if name == "" || len([]rune(name)) > c.MaxChannelNameLength {
			return merr.WrapErrParameterInvalid("valid channel name", name, "default_channels")
		}
	}
	if dup := lo.FindDuplicates(c.DefaultChannels); len(dup) > 0 {
		return merr.WrapErrParameterInvalid("unique channel names", dup[0], "default_channels")
	}

	if err := c.Argon2.Validate(); err != nil {
		return errors.Wrap(err, "argon2")
	}
	if c.Codec.Encryption && c.Codec.EncryptionSecret == "" {
		return merr.WrapErrParameterMissing("codec.encryption_secret")
	}
	if c.Codec.MinCompressSize < 0 {
		return merr.WrapErrParameterInvalidRange(0, math.MaxInt, c.Codec.MinCompressSize, "codec.min_compress_size")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return merr.WrapErrParameterInvalid("console|json", c.Log.Format, "log.format")
	}
	return nil
}

// RelayOptions 返回聊天服务的参数。
func (c *Config) RelayOptions() relay.Options {
	return relay.Options{
		SpecialKey:           []byte(c.SpecialKey),
		HandshakeTimeout:     c.HandshakeTimeout,
		IdleTimeout:          c.IdleTimeout,
		MaxLoginAttempts:     c.MaxLoginAttempts,
		MaxUsernameLength:    c.MaxUsernameLength,
		MaxChannelNameLength: c.MaxChannelNameLength,
		MaxPayloadSize:       c.MaxPayloadSize,
		DefaultChannels:      c.DefaultChannels,
		Argon2:               c.Argon2,
	}
}

// AcceptorConfig 返回接入层参数，TCP 与 WebSocket 共用。
func (c *Config) AcceptorConfig() acceptor.Config {
	return acceptor.Config{
		MaxConnections: c.MaxConnections,
		SendQueueSize:  c.SendQueueSize,
		WriteTimeout:   c.WriteTimeout,
		ShutdownLinger: c.ShutdownLinger,
		Path:           c.WSPath,
	}
}

// BuildCodec 按 Codec 配置组装编解码器，客户端与服务端共用。
func (c *Config) BuildCodec() (codec.Codec, error) {
	opts := codec.Options{
		Framer:            framer.NewLengthPrefixedFramer(c.MaxFrameSize),
		Serializer:        serializer.JSONSerializer{},
		EnableCompression: c.Codec.Compression,
		EnableEncryption:  c.Codec.Encryption,
		MinCompressSize:   c.Codec.MinCompressSize,
	}
	if c.Codec.Compression {
		zc, err := compressor.NewZstdCompressor(uint64(c.MaxFrameSize))
		if err != nil {
			return nil, errors.Wrap(err, "config: zstd")
		}
		opts.Compressor = zc
	}
	if c.Codec.Encryption {
		enc, err := crypto.NewXChaChaEncryptor([]byte(c.Codec.EncryptionSecret))
		if err != nil {
			return nil, err
		}
		opts.Encryptor = enc
	}
	return codec.New(opts)
}

// Dump 以 YAML 输出生效的配置，密钥类字段被隐藏。
func (c *Config) Dump() ([]byte, error) {
	out := *c
	if out.SpecialKey != "" {
		out.SpecialKey = redacted
	}
	if out.Codec.EncryptionSecret != "" {
		out.Codec.EncryptionSecret = redacted
	}
	return yaml.Marshal(&out)
}
