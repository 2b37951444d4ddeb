package utils

import "github.com/spf13/viper"

// Set the viper defaults for an audiowire application.
// For use in cmd, as well as several examples.
func SetViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("backend", "graph")
	viper.SetDefault("samplerate", 48000)
	viper.SetDefault("channels", 2)
	viper.SetDefault("periodframes", 512)
	viper.SetDefault("outputdir", ".")
	viper.SetDefault("durationseconds", 3)
	viper.SetDefault("tonehz", 440.0)
}
