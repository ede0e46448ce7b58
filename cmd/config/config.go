package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var loadConfigOnce sync.Once
var configInstance AppConfig

func LoadConfig() AppConfig {
	loadConfigOnce.Do(func() {
		viper.SetEnvPrefix("playout_server")
		viper.AutomaticEnv()
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.SetConfigName("server")
		viper.AddConfigPath("config")
		viper.AddConfigPath("/config")
		if err := viper.ReadInConfig(); err != nil {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
		configInstance = readConfig()
	})

	return configInstance
}

func readConfig() AppConfig {
	config := AppConfig{
		General: GeneralConfig{
			LogLevel: viper.GetString("general.log_level"),
		},
		HTTP: HTTPConfig{
			Addr: viper.GetString("http.addr"),
		},
		Conductor: ConductorConfig{
			Lookahead:         viper.GetDuration("conductor.lookahead"),
			TickInterval:      viper.GetDuration("conductor.tick_interval"),
			InitializeAsClear: viper.GetBool("conductor.initialize_as_clear"),
		},
		Monitor: MonitorConfig{
			Enabled:        viper.GetBool("monitor.enabled"),
			DigestInterval: viper.GetDuration("monitor.digest_interval"),
		},
		MQTTClient: MQTTClientConfig{
			Broker:   viper.GetString("mqtt_client.broker"),
			ClientID: viper.GetString("mqtt_client.client_id"),
			Username: viper.GetString("mqtt_client.username"),
			Password: viper.GetString("mqtt_client.password"),
		},
	}

	if config.HTTP.Addr == "" {
		config.HTTP.Addr = ":3000"
	}
	if config.Monitor.DigestInterval <= 0 {
		config.Monitor.DigestInterval = 30 * time.Second
	}

	devicesRaw, _ := viper.Get("devices").([]any)
	for _, raw := range devicesRaw {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		deviceConfig := DeviceConfig{Options: map[string]any{}}
		if v, ok := entry["id"].(string); ok {
			deviceConfig.ID = v
		}
		if v, ok := entry["name"].(string); ok {
			deviceConfig.Name = v
		}
		if v, ok := entry["type"].(string); ok {
			deviceConfig.Type = v
		}
		if opts, ok := entry["options"].(map[string]any); ok {
			deviceConfig.Options = opts
		}
		config.Devices = append(config.Devices, deviceConfig)
	}

	rundownsRaw, _ := viper.Get("rundowns").([]any)
	for _, raw := range rundownsRaw {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		rundown := RundownConfig{}
		if v, ok := entry["name"].(string); ok {
			rundown.Name = v
		}
		if v, ok := entry["schedule"].(string); ok {
			rundown.Schedule = v
		}
		if v, ok := entry["timeline_file"].(string); ok {
			rundown.TimelineFile = v
		}
		config.Rundowns = append(config.Rundowns, rundown)
	}

	return config
}

type AppConfig struct {
	General    GeneralConfig
	HTTP       HTTPConfig
	Conductor  ConductorConfig
	Monitor    MonitorConfig
	MQTTClient MQTTClientConfig
	Devices    []DeviceConfig
	Rundowns   []RundownConfig
}

type GeneralConfig struct {
	LogLevel string
}

type HTTPConfig struct {
	Addr string
}

type ConductorConfig struct {
	Lookahead         time.Duration
	TickInterval      time.Duration
	InitializeAsClear bool
}

type MonitorConfig struct {
	Enabled        bool
	DigestInterval time.Duration
}

type MQTTClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

type DeviceConfig struct {
	ID      string
	Name    string
	Type    string
	Options map[string]any
}

type RundownConfig struct {
	Name         string
	Schedule     string
	TimelineFile string
}
