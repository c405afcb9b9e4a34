package cmd

import (
	"os"
	"path/filepath"

	"tork-perf/internal/logging"

	"github.com/joho/godotenv"
)

// loadEnvironment reads .env from the working directory, or from the
// directory of the executable when there is none.
func loadEnvironment() {
	logger := logging.GetLogger()

	envFile := ".env"
	if _, err := os.Stat(envFile); err != nil {
		execPath, err := os.Executable()
		if err != nil {
			return
		}
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err != nil {
			return
		}
	}
	if err := godotenv.Load(envFile); err != nil {
		logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		return
	}
	logger.WithField("file", envFile).Debug("Loaded environment variables")
}
