package config

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/viper"
)

// Settings holds everything an invocation needs. Values resolve in the
// usual order: built-in defaults, then the optional tickle.yaml settings
// file, then TICKLE_* environment variables, then CLI flags.
type Settings struct {
	Debug          bool   `mapstructure:"debug"`
	Workers        int    `mapstructure:"workers"`
	AgendaPath     string `mapstructure:"agenda"`
	DependPath     string `mapstructure:"depend"`
	CachePath      string `mapstructure:"cache"`
	LogPath        string `mapstructure:"log"`
	HistoryPath    string `mapstructure:"history"`
	RescanSchedule string `mapstructure:"rescan"`
}

// DefaultWorkerCount returns the logical core count minus one for the
// reactor thread, never less than one.
func DefaultWorkerCount() int {
	count, err := cpu.Counts(true)
	if err != nil || count < 1 {
		count = runtime.NumCPU()
	}
	if count <= 1 {
		return 1
	}
	return count - 1
}

// Load resolves settings from defaults, the optional settings file, and
// the environment.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetConfigName("tickle")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("TICKLE")
	v.AutomaticEnv()

	v.SetDefault("debug", false)
	v.SetDefault("workers", DefaultWorkerCount())
	v.SetDefault("agenda", "agenda.yaml")
	v.SetDefault("depend", "depend.yaml")
	v.SetDefault("cache", "tickle.cache")
	v.SetDefault("log", "tickle.log")
	v.SetDefault("history", "tickle-history.db")
	v.SetDefault("rescan", "@every 2m")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
	}

	// Field-by-field getters so TICKLE_* environment overrides apply
	settings := &Settings{
		Debug:          v.GetBool("debug"),
		Workers:        v.GetInt("workers"),
		AgendaPath:     v.GetString("agenda"),
		DependPath:     v.GetString("depend"),
		CachePath:      v.GetString("cache"),
		LogPath:        v.GetString("log"),
		HistoryPath:    v.GetString("history"),
		RescanSchedule: v.GetString("rescan"),
	}
	if settings.Workers < 1 {
		settings.Workers = 1
	}
	return settings, nil
}
