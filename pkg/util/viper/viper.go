package viper

import (
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	spfviper "github.com/spf13/viper"
)

// Config 封装 spf13/viper 实例，按“默认值 < 配置文件 < 环境变量”的优先级合并配置。
type Config struct {
	v *spfviper.Viper
}

// New 创建一个空的 Config。envPrefix 非空时，形如 PREFIX_SERVER_ADDRESS 的环境变量
// 会覆盖 server.address。
func New(envPrefix string) *Config {
	v := spfviper.New()
	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	return &Config{v: v}
}

// SetDefaults 以扁平的 "a.b" 形式登记默认值。AutomaticEnv 只对已知 key 生效，
// 因此需要环境变量覆盖的 key 都必须在这里出现。
func (c *Config) SetDefaults(defaults map[string]any) {
	for k, val := range defaults {
		c.v.SetDefault(k, val)
	}
}

// BindEnv 将 key 绑定到一个不带前缀的环境变量名。
func (c *Config) BindEnv(key, env string) error {
	return c.v.BindEnv(key, env)
}

// LoadFile 将 YAML 或 JSON 配置文件合并到 Config 中。
// 文件类型通过扩展名（.yaml/.yml/.json）推断。
func (c *Config) LoadFile(path string) error {
	c.v.SetConfigFile(path)

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		c.v.SetConfigType("yaml")
	case ".json":
		c.v.SetConfigType("json")
	default:
		return errors.Newf("unsupported config file type %q", ext)
	}

	if err := c.v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	return nil
}

// Unmarshal 将完整配置反序列化到 dst。
// dst 应为结构体或 map 的指针，字段通过 mapstructure tag 匹配。
func (c *Config) Unmarshal(dst any) error {
	return c.v.Unmarshal(dst)
}

// UnmarshalKey 将指定 key 对应的子配置反序列化到 dst。
func (c *Config) UnmarshalKey(key string, dst any) error {
	return c.v.UnmarshalKey(key, dst)
}

// GetString 返回 key 当前生效的字符串值。
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// ConfigFileUsed 返回实际加载的配置文件路径，未加载时为空。
func (c *Config) ConfigFileUsed() string {
	return c.v.ConfigFileUsed()
}
