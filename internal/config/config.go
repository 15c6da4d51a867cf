package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"
)

const configName = "streamproxy"

// Config is the full configuration for the caching proxy process.
type Config struct {
	CacheDir string
	Proxy    Proxy
	DiagBind string
}

type Proxy struct {
	Port               int
	InsecureSkipVerify bool
	CopyBufferSize     string
	RetryBufferSize    string
}

func Default() *Config {
	return &Config{
		Proxy: Proxy{
			Port:            8080,
			CopyBufferSize:  "8kb",
			RetryBufferSize: "16kb",
		},
	}
}

func ProjectRoot() (string, error) {
	ex, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(ex), nil
}

// Read loads the config file (if present) over the defaults.
func Read() (*Config, error) {
	cfg := Default()
	v := viper.New()
	v.SetConfigName(configName)

	pp, err := ProjectRoot()
	if err != nil {
		return nil, err
	}
	v.AddConfigPath(pp)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return nil, fmt.Errorf("fatal error reading config file: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	return cfg, nil
}

func (p Proxy) CopyBufferBytes() int {
	return parseSize(p.CopyBufferSize, 8*1024)
}

func (p Proxy) RetryBufferBytes() int {
	return parseSize(p.RetryBufferSize, 16*1024)
}

func parseSize(s string, fallback int) int {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(s)); err != nil || size == 0 {
		return fallback
	}
	return int(size.Bytes())
}
