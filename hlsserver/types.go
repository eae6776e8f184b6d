package hlsserver

import (
	"time"

	"github.com/spf13/viper"
)

// Config drives readiness verification of composite streams.
type Config struct {
	Interval     time.Duration `mapstructure:"interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	WatchFS      bool          `mapstructure:"watch_fs"`
	ResolvedSize int           `mapstructure:"resolved_size"`
}

func Setup(v *viper.Viper, prefix string) {
	p := func(key string) string { return prefix + "." + key }

	v.SetDefault(p("interval"), time.Second)
	v.SetDefault(p("max_attempts"), 30)
	v.SetDefault(p("watch_fs"), true)
	v.SetDefault(p("resolved_size"), 1024)
}
