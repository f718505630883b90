package config

import "errors"

// ErrInvalidConfig is returned by Validate when a configuration value is out of range.
var ErrInvalidConfig = errors.New("invalid configuration")
