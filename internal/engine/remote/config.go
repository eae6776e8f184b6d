package remote

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Binary is the engine executable. Empty means workers are expected to be
	// already listening on ControlHost:ControlPortBase+id.
	Binary          string        `mapstructure:"binary"`
	ControlHost     string        `mapstructure:"control_host"`
	ControlPortBase int           `mapstructure:"control_port_base"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	StartTimeout    time.Duration `mapstructure:"start_timeout"`
	ListenIP        string        `mapstructure:"listen_ip"`
	AnnouncedIP     string        `mapstructure:"announced_ip"`
}

func Setup(v *viper.Viper, prefix string) {
	p := func(key string) string { return prefix + "." + key }

	v.SetDefault(p("binary"), "")
	v.SetDefault(p("control_host"), "127.0.0.1")
	v.SetDefault(p("control_port_base"), 7100)
	v.SetDefault(p("request_timeout"), "10s")
	v.SetDefault(p("start_timeout"), "15s")
	v.SetDefault(p("listen_ip"), "127.0.0.1")
	v.SetDefault(p("announced_ip"), "") // empty means host ip
}
