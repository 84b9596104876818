package settings

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

type Arguments struct {
	// Which document store to open: memory, mongo
	Backend string

	// Connection string and database name for the mongo backend
	MongoURI string
	Database string

	// Directory for rotated log files; empty logs to stdout only
	LogDir string

	// Directory for the relationship mutation journal; empty disables it
	JournalDir        string
	JournalMaxSizeMB  int
	JournalMaxBackups int

	ConfigFile string

	// Strongly verbose logging
	Verbose bool

	Debug         bool
	PrintToScreen bool
}

var (
	instance *Arguments
	once     sync.Once
	mu       sync.Mutex
)

// GetSettings returns the process wide arguments, creating them with defaults on first use.
func GetSettings() *Arguments {
	mu.Lock()
	defer mu.Unlock()
	once.Do(func() {
		instance = Defaults()
	})
	return instance
}

// Reset drops the process wide arguments. Tests use it to start from defaults.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
	once = sync.Once{}
}

func Defaults() *Arguments {
	return &Arguments{
		Backend:           "memory",
		MongoURI:          "mongodb://127.0.0.1:27017",
		Database:          "docrel",
		JournalMaxSizeMB:  10,
		JournalMaxBackups: 3,
		PrintToScreen:     true,
	}
}

// LoadConfigFile overlays the values found in args.ConfigFile and in DOCREL_* environment
// variables onto args. Keys listed in explicit were given on the command line and win.
func LoadConfigFile(args *Arguments, explicit map[string]bool) error {
	v := viper.New()
	v.SetEnvPrefix("docrel")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if args.ConfigFile != "" {
		v.SetConfigFile(args.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", args.ConfigFile, err)
		}
	}

	overlayString := func(key string, dst *string) {
		if !explicit[key] && v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	overlayInt := func(key string, dst *int) {
		if !explicit[key] && v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	overlayBool := func(key string, dst *bool) {
		if !explicit[key] && v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	overlayString("backend", &args.Backend)
	overlayString("mongo-uri", &args.MongoURI)
	overlayString("database", &args.Database)
	overlayString("logdir", &args.LogDir)
	overlayString("journaldir", &args.JournalDir)
	overlayInt("journal-max-size", &args.JournalMaxSizeMB)
	overlayInt("journal-max-backups", &args.JournalMaxBackups)
	overlayBool("verbose", &args.Verbose)
	overlayBool("debug", &args.Debug)
	overlayBool("print", &args.PrintToScreen)

	return nil
}

// Validate checks the arguments and returns an error if they are unusable.
func Validate(args *Arguments) error {
	validBackends := map[string]bool{"memory": true, "mongo": true}
	if !validBackends[args.Backend] {
		return fmt.Errorf("invalid backend: %s (must be 'memory' or 'mongo')", args.Backend)
	}

	if args.Backend == "mongo" && args.Database == "" {
		return fmt.Errorf("a database name is required for the mongo backend")
	}

	if args.JournalDir != "" {
		if args.JournalMaxSizeMB < 1 {
			return fmt.Errorf("invalid journal size: %d (must be at least 1MB)", args.JournalMaxSizeMB)
		}
		if args.JournalMaxBackups < 0 {
			return fmt.Errorf("invalid journal backup count: %d", args.JournalMaxBackups)
		}
	}

	if args.ConfigFile != "" {
		if _, err := os.Stat(args.ConfigFile); err != nil {
			return fmt.Errorf("could not access config file: %w", err)
		}
	}

	return nil
}
