package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`

	// RecordDir is the root for recordings; audio/ and video/ are created
	// underneath on demand.
	RecordDir string `mapstructure:"record_dir"`

	// PlayFrom selects file playback for the local preview source instead
	// of live capture. The value is a path prefix: <PlayFrom>.ogg and
	// <PlayFrom>.ivf are looked up.
	PlayFrom string `mapstructure:"play_from"`

	SampleRate  int `mapstructure:"sample_rate"`
	VideoWidth  int `mapstructure:"video_width"`
	VideoHeight int `mapstructure:"video_height"`
	VideoFPS    int `mapstructure:"video_fps"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./static")
	v.SetDefault("record_dir", "./recordings")
	v.SetDefault("play_from", "")
	v.SetDefault("sample_rate", 48000)
	v.SetDefault("video_width", 640)
	v.SetDefault("video_height", 480)
	v.SetDefault("video_fps", 30)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
