package tabledb

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"go4.org/jsonconfig"
)

type Options struct {
	// Backend defaults to BackendNative.
	Backend Backend

	Logger  *slog.Logger
	Logf    func(format string, args ...any)
	Verbose bool

	// IsTesting trades durability for speed and enables stricter checks.
	IsTesting bool

	// Native backend.
	PageSize        int
	CacheSize       int
	Compression     bool
	EncryptionKey   []byte
	NoSync          bool
	CheckpointEvery int

	// Bolt backend.
	MmapSize int
	Timeout  time.Duration

	Now func() time.Time
}

// OpenConfig opens a database described by a JSON configuration object:
//
//	{
//	  "path": "/var/lib/app/data.db",
//	  "backend": "native",
//	  "pageSize": 8192,
//	  "cacheSize": 4096,
//	  "compression": true,
//	  "encryptionKey": "<64 hex digits>",
//	  "noSync": false,
//	  "checkpointEvery": 64,
//	  "verbose": false
//	}
func OpenConfig(cfg jsonconfig.Obj, registry *Registry) (*DB, error) {
	path, opt, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return Open(path, registry, opt)
}

// OptionsFromConfig validates cfg and converts it into a path and Options.
func OptionsFromConfig(cfg jsonconfig.Obj) (string, Options, error) {
	var opt Options
	path := cfg.RequiredString("path")
	opt.Backend = Backend(cfg.OptionalString("backend", string(BackendNative)))
	opt.PageSize = cfg.OptionalInt("pageSize", 0)
	opt.CacheSize = cfg.OptionalInt("cacheSize", 0)
	opt.Compression = cfg.OptionalBool("compression", false)
	key := cfg.OptionalString("encryptionKey", "")
	opt.NoSync = cfg.OptionalBool("noSync", false)
	opt.CheckpointEvery = cfg.OptionalInt("checkpointEvery", 0)
	opt.MmapSize = cfg.OptionalInt("mmapSize", 0)
	opt.Verbose = cfg.OptionalBool("verbose", false)
	if err := cfg.Validate(); err != nil {
		return "", opt, err
	}
	if _, ok := backends[opt.Backend]; !ok {
		return "", opt, fmt.Errorf("tabledb: unknown backend %q", opt.Backend)
	}
	if key != "" {
		b, err := hex.DecodeString(key)
		if err != nil {
			return "", opt, fmt.Errorf("tabledb: encryptionKey: %w", err)
		}
		opt.EncryptionKey = b
	}
	return path, opt, nil
}
