package config

import (
	"os"
	"path/filepath"
)

const (
	DefaultSyncAddr         = "127.0.0.1:8080"
	DefaultSidecar          = "pwman-sync-server"
	DefaultAPIListenAddr    = "127.0.0.1:8765"
	DefaultHealthTimeoutMS  = 2000
	DefaultHealthIntervalMS = 120
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Sync: Sync{
			Addr:             DefaultSyncAddr,
			BaseDir:          filepath.Join(os.TempDir(), "pwlog"),
			Sidecar:          DefaultSidecar,
			Autostart:        true,
			HealthTimeoutMS:  DefaultHealthTimeoutMS,
			HealthIntervalMS: DefaultHealthIntervalMS,
		},
		API: API{
			ListenAddr: DefaultAPIListenAddr,
			LockFile:   filepath.Join(stateDir(), "desktop.lock"),
		},
		Logging: Logging{
			Level: "info",
		},
	}
}
