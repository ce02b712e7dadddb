// conf/defaults.go default values for settings
package conf

import (
	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "insight-go")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "insight.log")

	viper.SetDefault("database.sqlite.enabled", true)
	viper.SetDefault("database.sqlite.path", "insight.db")
	viper.SetDefault("database.mysql.enabled", false)
	viper.SetDefault("database.mysql.username", "insight")
	viper.SetDefault("database.mysql.password", "")
	viper.SetDefault("database.mysql.database", "insight")
	viper.SetDefault("database.mysql.host", "localhost")
	viper.SetDefault("database.mysql.port", "3306")

	viper.SetDefault("media.storagedir", "media/")

	viper.SetDefault("compute.baseurl", "http://localhost:8500")
	viper.SetDefault("compute.apitoken", "")
	viper.SetDefault("compute.timeout", 30)
	viper.SetDefault("compute.callbackbaseurl", "http://localhost:8080")

	viper.SetDefault("vector.host", "localhost")
	viper.SetDefault("vector.port", 6334)
	viper.SetDefault("vector.apikey", "")
	viper.SetDefault("vector.usetls", false)
	viper.SetDefault("vector.timeout", 10)
	viper.SetDefault("vector.facematchthreshold", 0.62)
	viper.SetDefault("vector.searchlimit", 10)
	viper.SetDefault("vector.semantic.name", "semantic_embeddings")
	viper.SetDefault("vector.semantic.dimension", 512)
	viper.SetDefault("vector.duplicate.name", "duplicate_embeddings")
	viper.SetDefault("vector.duplicate.dimension", 384)
	viper.SetDefault("vector.face.name", "face_embeddings")
	viper.SetDefault("vector.face.dimension", 512)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.capabilitytopicprefix", "inference/workers")
	viper.SetDefault("mqtt.statustopic", "insight/status")
	viper.SetDefault("mqtt.livenesswindow", 120)

	viper.SetDefault("reconcile.interval", 15)
	viper.SetDefault("reconcile.mediatypes", []string{"image"})
	viper.SetDefault("reconcile.facecropdir", "faces")

	viper.SetDefault("capability.requireworkers", false)

	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.port", "8080")
	viper.SetDefault("webserver.debug", false)
}
