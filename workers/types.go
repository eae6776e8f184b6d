package workers

import (
	"context"
	"time"

	"github.com/spf13/viper"

	"github.com/imtaco/conf-sfu/internal/engine"
)

type Config struct {
	Count         int           `mapstructure:"count"`
	PortBase      int           `mapstructure:"port_base"`
	UsageInterval time.Duration `mapstructure:"usage_interval"`
	CPUEpsilon    float64       `mapstructure:"cpu_epsilon"`
	LogLevel      string        `mapstructure:"log_level"`
}

func Setup(v *viper.Viper, prefix string) {
	p := func(key string) string { return prefix + "." + key }

	v.SetDefault(p("count"), 4)
	v.SetDefault(p("port_base"), 10000)
	v.SetDefault(p("usage_interval"), "5s")
	v.SetDefault(p("cpu_epsilon"), 0.1)
	v.SetDefault(p("log_level"), "warn")
}

// PortsPerWorker is the size of each worker's RTC port range.
const PortsPerWorker = 1000

// Pool owns the media engine workers and places new routers on them.
type Pool interface {
	Initialize(ctx context.Context) error
	SelectWorker() (Selected, error)
	Stats() []Stats
	Close()
}

// Selected is the worker picked for a new router.
type Selected struct {
	ID     int
	Worker engine.Worker
}

type Stats struct {
	WorkerID  int     `json:"workerId"`
	RoomCount int     `json:"roomCount"`
	CPUUsage  float64 `json:"cpuUsage"`
	PID       int     `json:"pid"`
	Closed    bool    `json:"closed"`
}
