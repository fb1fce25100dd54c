package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath   string `envconfig:"DATA_PATH" default:"/var/lib/termshare"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// TmuxPrefix is prepended to every backend tmux session name so that
	// sessions owned by this server can be told apart from user sessions.
	TmuxPrefix string `envconfig:"TMUX_PREFIX" default:"ts-"`

	// Token settings
	TokenTTL string `envconfig:"TOKEN_TTL" default:"60m"`

	// Remote proxy settings
	ProxyHostsFile      string `envconfig:"PROXY_HOSTS_FILE" default:""`
	ProxyIdleTimeout    string `envconfig:"PROXY_IDLE_TIMEOUT" default:"30m"`
	ProxyMaxReconnects  int    `envconfig:"PROXY_MAX_RECONNECTS" default:"5"`
	ProxyConnectTimeout string `envconfig:"PROXY_CONNECT_TIMEOUT" default:"30s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMSHARE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
