package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the tunables the compiler reads from an optional metac.toml
// next to the project. Everything has a working default; the file exists
// for the rare build that needs a bigger stack or a persistent compile-time
// cache.
type Config struct {
	// StackSize is the VM stack in bytes, for both compile-time
	// evaluation and `-run`.
	StackSize int `toml:"stack_size"`
	// InstructionQuota bounds compile-time evaluation and `-run` alike;
	// 0 keeps the built-in default.
	InstructionQuota uint64 `toml:"instruction_quota"`
	// CachePath enables the compile-time result cache when non-empty.
	CachePath string `toml:"cache_path"`
	// Debug dumps the VM state after every instruction.
	Debug bool `toml:"debug"`
}

// DefaultPath is where Load looks when no explicit path is given.
const DefaultPath = "metac.toml"

func Default() Config {
	return Config{}
}

// Load reads the configuration file at path. A missing file at the default
// path is not an error; a missing explicit path is.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return cfg, fmt.Errorf("config file %q does not exist", path)
		}
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("reading %q: %w", path, err)
	}
	return cfg, nil
}
