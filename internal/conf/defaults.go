// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration. These are the fixed constants of
// the batch job; a config file or flag only ever overrides them for testing.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "BirdImage-Go")
	viper.SetDefault("main.log.enabled", false)
	viper.SetDefault("main.log.path", "birdimage.log")

	viper.SetDefault("input.csv", "bird_wikipedia_data.csv")

	viper.SetDefault("export.path", "Images")

	viper.SetDefault("fetch.timeout", 15*time.Second)
	viper.SetDefault("fetch.maxretries", 3)
	viper.SetDefault("fetch.retrydelay", 1*time.Second)
	viper.SetDefault("fetch.recorddelay", 300*time.Millisecond)

	viper.SetDefault("image.width", 256)
	viper.SetDefault("image.height", 256)
	viper.SetDefault("image.quality", 90)
}
