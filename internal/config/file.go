package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadFromFile overlays the document at path (YAML, JSON, or TOML, detected by extension)
// onto cfg. Only keys present in the file are applied; fields the file omits keep whatever
// value cfg already carries (the compiled-in default at this point in Load's layering).
func LoadFromFile(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read file %s: %w", path, err)
	}

	decoded := *cfg
	if err := v.Unmarshal(&decoded); err != nil {
		return fmt.Errorf("config: decode file %s: %w", path, err)
	}
	*cfg = decoded
	return nil
}
