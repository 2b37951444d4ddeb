package config

import (
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/audiowire/audiowire/internal/utils"
)

func LoadConfig(configFilePath string) {
	utils.SetViperDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Info("no config file found", "configFilePath", configFilePath)
		} else {
			slog.Error("error during config read", "err", err)
			panic(err)
		}
	}
}

// ConfigureLogger points slog at the configured level and log file. The
// returned file pointer, if not nil, should be closed on shutdown.
func ConfigureLogger() *os.File {
	logFilePointer, err := utils.ConfigureDefaultLogger(
		viper.GetString("loglevel"),
		viper.GetString("logfile"),
		slog.HandlerOptions{},
	)
	if err != nil {
		slog.Error("error during logger configuration", "err", err)
		panic(err)
	}
	return logFilePointer
}
