// Package config provides the file-loadable configuration surface for
// cmd/stun-server: retransmission parameters, listen addresses, and
// logging level, decoded with mapstructure from a generic map (as the
// teacher's own settings loader does) and from YAML via yaml.v3.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/localrivet/gostun/retransmit"
)

// Config is the §6 configuration surface: retransmission parameters plus
// listen addresses and ambient settings.
type Config struct {
	UDPListenAddr string `mapstructure:"udp_listen_addr" yaml:"udp_listen_addr"`
	TCPListenAddr string `mapstructure:"tcp_listen_addr" yaml:"tcp_listen_addr"`
	MetricsAddr   string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	Software      string `mapstructure:"software" yaml:"software"`

	RTO                    time.Duration `mapstructure:"rto" yaml:"rto"`
	Rc                     int           `mapstructure:"rc" yaml:"rc"`
	Rm                     int           `mapstructure:"rm" yaml:"rm"`
	MinTransactionInterval time.Duration `mapstructure:"min_transaction_interval" yaml:"min_transaction_interval"`
	CacheDuration          time.Duration `mapstructure:"cache_duration" yaml:"cache_duration"`
}

// Default returns a Config with RFC 5389 retransmission defaults and a
// UDP-only listener on an ephemeral loopback port.
func Default() Config {
	d := retransmit.DefaultConfig()
	return Config{
		UDPListenAddr:          "127.0.0.1:0",
		LogLevel:               "info",
		RTO:                    d.RTO,
		Rc:                     d.Rc,
		Rm:                     d.Rm,
		MinTransactionInterval: d.MinTransactionInterval,
		CacheDuration:          d.CacheDuration,
	}
}

// RetransmitConfig projects the retransmission fields into a
// retransmit.Config.
func (c Config) RetransmitConfig() retransmit.Config {
	return retransmit.Config{
		RTO:                    c.RTO,
		Rc:                     c.Rc,
		Rm:                     c.Rm,
		MinTransactionInterval: c.MinTransactionInterval,
		CacheDuration:          c.CacheDuration,
	}
}

// FromMap decodes a generic settings map into a Config on top of the
// defaults, via mapstructure, mirroring the teacher's own config-loading
// convention for in-process settings that didn't arrive as strict YAML.
func FromMap(m map[string]interface{}) (Config, error) {
	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return Config{}, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := decoder.Decode(m); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML config file at path on top of the
// defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
