package app

import (
	"cfspeed/internal/backend"
	"cfspeed/internal/config"
	"cfspeed/internal/storage"
)

func backendOptions(s config.Settings) backend.Options {
	return backend.Options{
		BaseURL:       s.Backend.BaseURL,
		Timeout:       s.Backend.RequestTimeout,
		RatePerSec:    s.Backend.RatePerSec,
		Burst:         s.Backend.Burst,
		RetryAttempts: s.Backend.RetryAttempts,
	}
}

// storageConfig maps the storage section; ok is false when storage is disabled.
func storageConfig(s config.Settings) (storage.Config, bool) {
	switch s.Storage.Driver {
	case "", "none":
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      s.Storage.Driver,
		Path:        s.Storage.Path,
		BusyTimeout: s.Storage.BusyTimeout,
	}, true
}
