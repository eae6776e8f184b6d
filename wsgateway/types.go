package wsgateway

import (
	"time"

	"github.com/spf13/viper"
)

// Config covers the signaling endpoint. An empty JWTSecret disables
// authentication and every connection gets an anonymous participant id.
type Config struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	ReadLimit      int64         `mapstructure:"read_limit"`
}

func Setup(v *viper.Viper, prefix string) {
	p := func(key string) string { return prefix + "." + key }

	v.SetDefault(p("allowed_origins"), []string{"*"})
	v.SetDefault(p("rate_limit"), 50)
	v.SetDefault(p("rate_burst"), 100)
	v.SetDefault(p("jwt_secret"), "")
	v.SetDefault(p("token_ttl"), 12*time.Hour)
	v.SetDefault(p("read_limit"), 1<<20)
}
