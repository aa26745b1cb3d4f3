// Package config loads aqnotify settings from defaults, an optional YAML
// file and command-line flags, in that order of precedence.
package config

import (
	"flag"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Sensor SensorConfig `yaml:"sensor"`
	BLE    BLEConfig    `yaml:"ble"`
	HTTP   HTTPConfig   `yaml:"http"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Log    LogConfig    `yaml:"log"`

	// set by -version, not read from the file
	ShowVersion bool `yaml:"-"`
}

type SensorConfig struct {
	// ccs811 or sim
	Driver       string        `yaml:"driver"`
	Bus          string        `yaml:"bus"`
	Address      uint16        `yaml:"address"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type BLEConfig struct {
	Enabled        bool          `yaml:"enabled"`
	DeviceName     string        `yaml:"device_name"`
	NotifyInterval time.Duration `yaml:"notify_interval"`
	// Writable selects the 10 byte buffer with peer writes.
	Writable bool `yaml:"writable"`
}

type HTTPConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

func Default() Config {
	return Config{
		Sensor: SensorConfig{
			Driver:       "ccs811",
			Bus:          "",
			Address:      0x5A,
			PollInterval: 1000 * time.Millisecond,
		},
		BLE: BLEConfig{
			Enabled:        true,
			DeviceName:     "Air Quality",
			NotifyInterval: 1000 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			ListenAddress: ":8080",
		},
		MQTT: MQTTConfig{
			Broker:   "localhost",
			Port:     1883,
			ClientID: "aqnotify",
			Topic:    "aqnotify/air_quality",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load builds the configuration for the given command-line arguments.
func Load(name string, args []string) (Config, error) {
	// First pass only looks for -config.
	pre := flag.NewFlagSet(name, flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	scratch := Default()
	path := scratch.bind(pre)
	_ = pre.Parse(args)

	cfg := Default()
	if *path != "" {
		if err := cfg.loadFile(*path); err != nil {
			return Config{}, err
		}
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg.bind(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "couldn't read config file")
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.Wrapf(err, "couldn't parse config file %s", path)
	}
	return nil
}

// bind registers flags whose defaults are the current values of c.
func (c *Config) bind(fs *flag.FlagSet) *string {
	path := fs.String("config", "", "path to a YAML config file")
	fs.BoolVar(&c.ShowVersion, "version", false, "print version information and exit")

	fs.StringVar(&c.Sensor.Driver, "sensor-driver", c.Sensor.Driver, "sensor driver: ccs811 or sim")
	fs.StringVar(&c.Sensor.Bus, "i2c-bus", c.Sensor.Bus, "I²C bus name, empty for the first available")
	fs.Var((*hexUint16)(&c.Sensor.Address), "i2c-addr", "sensor I²C address")
	fs.DurationVar(&c.Sensor.PollInterval, "poll-int", c.Sensor.PollInterval, "time interval between sensor reads")

	fs.BoolVar(&c.BLE.Enabled, "ble", c.BLE.Enabled, "serve the GATT air quality service")
	fs.StringVar(&c.BLE.DeviceName, "ble-name", c.BLE.DeviceName, "advertised local name")
	fs.DurationVar(&c.BLE.NotifyInterval, "notify-int", c.BLE.NotifyInterval, "time interval between notifications")
	fs.BoolVar(&c.BLE.Writable, "writable", c.BLE.Writable, "accept peer writes into a 10 byte buffer")

	fs.StringVar(&c.HTTP.ListenAddress, "listen-address", c.HTTP.ListenAddress, "The address to listen on for HTTP requests.")

	fs.BoolVar(&c.MQTT.Enabled, "mqtt", c.MQTT.Enabled, "mirror notifications to an MQTT broker")
	fs.StringVar(&c.MQTT.Broker, "mqtt-broker", c.MQTT.Broker, "MQTT broker host")
	fs.IntVar(&c.MQTT.Port, "mqtt-port", c.MQTT.Port, "MQTT broker port")
	fs.StringVar(&c.MQTT.ClientID, "mqtt-client-id", c.MQTT.ClientID, "MQTT client id")
	fs.StringVar(&c.MQTT.Topic, "mqtt-topic", c.MQTT.Topic, "MQTT topic for readings")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "debug, info, warn or error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "text or json")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "also write logs to this file, rotated")
	return path
}

func (c Config) Validate() error {
	switch c.Sensor.Driver {
	case "ccs811", "sim":
	default:
		return errors.Errorf("invalid sensor driver %q (allowed: ccs811, sim)", c.Sensor.Driver)
	}
	if c.Sensor.PollInterval <= 0 {
		return errors.Errorf("poll interval must be positive, got %v", c.Sensor.PollInterval)
	}
	if c.BLE.NotifyInterval <= 0 {
		return errors.Errorf("notify interval must be positive, got %v", c.BLE.NotifyInterval)
	}
	if c.BLE.Enabled && strings.TrimSpace(c.BLE.DeviceName) == "" {
		return errors.New("ble device name must not be empty")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return errors.Errorf("invalid mqtt port %d", c.MQTT.Port)
		}
		if c.MQTT.Topic == "" {
			return errors.New("mqtt topic must not be empty")
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("invalid log format %q (allowed: text, json)", c.Log.Format)
	}
	return nil
}
