package utils

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// LoadTOMLConfig decodes the TOML file at filename into cfg. Keys the
// file sets that cfg has no field for are ignored.
func LoadTOMLConfig(filename string, cfg interface{}) error {
	if _, err := toml.DecodeFile(filename, cfg); err != nil {
		return fmt.Errorf("config %s: %w", filename, err)
	}
	return nil
}
