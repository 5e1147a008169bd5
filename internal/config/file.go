package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// LoadFile overlays the settings of a TOML file onto cfg. Keys missing from
// the file leave the current values untouched.
func LoadFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		log.Warn().Strs("keys", keys).Str("path", path).Msg("Ignoring unknown config keys")
	}
	return nil
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
		log.Debug().Str("path", p).Msg("Loaded environment file")
	}
	return nil
}
