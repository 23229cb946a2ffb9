// Package runtimeconfig holds the process-wide configuration for the
// plugin orchestration runtime. The handful of server-level flags are
// read directly from the environment; the larger, less frequently tuned
// block of timeout/interval knobs is loaded in one shot with
// kelseyhightower/envconfig.
package runtimeconfig

import (
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "vcp"

// Timeouts groups the default timeouts and intervals the runtime falls
// back to when a manifest does not declare its own.
type Timeouts struct {
	SyncDefault          time.Duration `envconfig:"sync_default_timeout" default:"60s"`
	AsyncDefault         time.Duration `envconfig:"async_default_timeout" default:"1800s"`
	StaticRefreshDefault time.Duration `envconfig:"static_refresh_timeout" default:"30s"`
	ReloadDebounce       time.Duration `envconfig:"reload_debounce" default:"500ms"`
	CorrelatorWait       time.Duration `envconfig:"correlator_wait_timeout" default:"30s"`
	StdoutBufferBytes    int           `envconfig:"stdout_buffer_bytes" default:"10485760"`
}

// Load parses the Timeouts block from environment variables prefixed
// VCP_ (e.g. VCP_SYNC_DEFAULT_TIMEOUT).
func Load() (Timeouts, error) {
	var t Timeouts
	if err := envconfig.Process(envPrefix, &t); err != nil {
		return Timeouts{}, err
	}
	return t, nil
}

// Server holds the handful of flags that gate process startup: where
// plugins live, where the admin HTTP surface listens, and so on. These
// are read with plain getEnv helpers rather than envconfig because
// they're few, always present, and read exactly once at startup.
type Server struct {
	PluginRoot    string
	OrderFilePath string
	AdminAddr     string
	LogLevel      string
	LogPretty     bool

	// ProjectRootPath, ServerPort, and ImageServerSecret are overlaid
	// onto every plugin subprocess's environment.
	ProjectRootPath   string
	ServerPort        string
	ImageServerSecret string
}

// LoadServer reads Server from the environment with sensible defaults.
func LoadServer() Server {
	return Server{
		PluginRoot:    getEnv("VCP_PLUGIN_DIR", "./plugins"),
		OrderFilePath: getEnv("VCP_PREPROCESSOR_ORDER_FILE", "./config/preprocessor-order.json"),
		AdminAddr:     getEnv("VCP_ADMIN_ADDR", ":6005"),
		LogLevel:      getEnv("VCP_LOG_LEVEL", "info"),
		LogPretty:     getEnv("VCP_LOG_PRETTY", "false") == "true",

		ProjectRootPath:   getEnv("VCP_PROJECT_ROOT", "."),
		ServerPort:        getEnv("VCP_SERVER_PORT", "6005"),
		ImageServerSecret: getEnv("VCP_IMAGESERVER_IMAGE_KEY", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

