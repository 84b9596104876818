package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSettingsIsSingleton(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	a := GetSettings()
	a.Database = "changed"
	require.Same(t, a, GetSettings())
	require.Equal(t, "changed", GetSettings().Database)

	Reset()
	require.Equal(t, "docrel", GetSettings().Database)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "docrel.yaml")
	err := os.WriteFile(cfg, []byte("backend: mongo\ndatabase: shop\njournaldir: /tmp/j\njournal-max-size: 42\ndebug: true\n"), 0o644)
	require.NoError(t, err)

	args := Defaults()
	args.ConfigFile = cfg
	args.Database = "from-flag"

	err = LoadConfigFile(args, map[string]bool{"database": true})
	require.NoError(t, err)
	require.Equal(t, "mongo", args.Backend)
	require.Equal(t, "from-flag", args.Database)
	require.Equal(t, "/tmp/j", args.JournalDir)
	require.Equal(t, 42, args.JournalMaxSizeMB)
	require.True(t, args.Debug)
}

func TestLoadConfigFileFromEnvironment(t *testing.T) {
	t.Setenv("DOCREL_MONGO_URI", "mongodb://db.internal:27017")

	args := Defaults()
	require.NoError(t, LoadConfigFile(args, nil))
	require.Equal(t, "mongodb://db.internal:27017", args.MongoURI)
}

func TestLoadConfigFileMissing(t *testing.T) {
	args := Defaults()
	args.ConfigFile = filepath.Join(t.TempDir(), "nope.yaml")
	require.Error(t, LoadConfigFile(args, nil))
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		mutate  func(*Arguments)
		wantErr bool
	}{
		`defaults`: {
			mutate: func(*Arguments) {},
		},
		`unknown_backend`: {
			mutate:  func(a *Arguments) { a.Backend = "postgres" },
			wantErr: true,
		},
		`mongo_without_database`: {
			mutate: func(a *Arguments) {
				a.Backend = "mongo"
				a.Database = ""
			},
			wantErr: true,
		},
		`journal_too_small`: {
			mutate: func(a *Arguments) {
				a.JournalDir = "/tmp"
				a.JournalMaxSizeMB = 0
			},
			wantErr: true,
		},
		`missing_config_file`: {
			mutate:  func(a *Arguments) { a.ConfigFile = "/definitely/not/here.yaml" },
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			args := Defaults()
			tc.mutate(args)
			err := Validate(args)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
