package logcfg

import (
	"os"
	"path/filepath"

	logs "github.com/danmuck/smplog"
)

const envConfigPath = "SYNERGY_LOG_CONFIG"

// Load returns the logging configuration for the named binary. The
// environment override wins, then a per-binary file, then the shared
// files, then the library defaults.
func Load(binary string) logs.Config {
	if path := os.Getenv(envConfigPath); path != "" {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}

	for _, path := range Candidates(binary) {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}

	return logs.DefaultConfig()
}

// Candidates lists the files Load tries, in order.
func Candidates(binary string) []string {
	var paths []string
	if binary != "" {
		paths = append(paths,
			filepath.Join(".", binary+".smplog.toml"),
			filepath.Join(".", "local", binary+".smplog.toml"),
		)
	}
	return append(paths,
		filepath.Join(".", "smplog.config.toml"),
		filepath.Join(".", "local", "smplog.config.toml"),
	)
}
