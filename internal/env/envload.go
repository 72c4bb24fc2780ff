// Package env seeds the process environment from a .env file so collector
// credentials can live next to the working directory instead of the config.
package env

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure walks from the working directory toward the filesystem root and
// loads the first .env file it finds. The walk happens once per process;
// later calls return the first outcome.
//
// Under `go test` the lookup is skipped so a developer-local .env cannot
// leak into test runs; set GOTEST_LOAD_DOTENV=1 to load one anyway.
func Ensure() error {
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		path, err := findDotEnv()
		if err != nil {
			loadErr = err
			log.Debug().Err(err).Msg("dotenv lookup failed")
			return
		}
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil {
			loadErr = err
			log.Warn().Err(err).Str("path", path).Msg("dotenv file unreadable")
			return
		}
		loadedPath = path
		log.Debug().Str("path", path).Msg("environment seeded from dotenv file")
	})
	return loadErr
}

// LoadedPath reports which .env file seeded the environment, or "" when
// none was loaded.
func LoadedPath() string {
	return loadedPath
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

// findDotEnv returns the nearest .env on the path from the working directory
// up to the root, or "" when no directory on that path carries one.
func findDotEnv() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, ".env")
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
