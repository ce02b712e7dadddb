// config.go: settings struct and loading for the insight service.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

//go:embed config.yaml
var configFiles embed.FS

// LogConfig defines the configuration for a log file
type LogConfig struct {
	Enabled bool   // true to enable this log
	Path    string // path to log file
}

// MainSettings contains general application settings
type MainSettings struct {
	Name string    // instance name, also used as MQTT client id prefix
	Log  LogConfig // main log settings
}

// SQLiteSettings contains settings for the SQLite database
type SQLiteSettings struct {
	Enabled bool
	Path    string
}

// MySQLSettings contains settings for the MySQL database
type MySQLSettings struct {
	Enabled  bool
	Username string
	Password string
	Database string
	Host     string
	Port     string
}

// DatabaseSettings selects and configures the relational store
type DatabaseSettings struct {
	SQLite SQLiteSettings
	MySQL  MySQLSettings
}

// ComputeSettings configures the external compute submission interface
type ComputeSettings struct {
	BaseURL         string // compute cluster API base URL
	APIToken        string // bearer token, empty to disable auth header
	Timeout         int    // request timeout in seconds
	CallbackBaseURL string // externally reachable base URL for job callbacks
}

// CollectionSettings describes one vector collection
type CollectionSettings struct {
	Name      string
	Dimension int
}

// VectorSettings configures the vector index backend
type VectorSettings struct {
	Host               string // qdrant host
	Port               int    // qdrant gRPC port
	APIKey             string
	UseTLS             bool
	Timeout            int     // per-operation timeout in seconds
	FaceMatchThreshold float64 // minimum cosine similarity for person assignment
	SearchLimit        int     // top-k for similarity searches
	Semantic           CollectionSettings
	Duplicate          CollectionSettings
	Face               CollectionSettings
}

// MQTTSettings configures the MQTT side channels
type MQTTSettings struct {
	Enabled               bool
	Broker                string // tcp://host:port
	Username              string
	Password              string
	CapabilityTopicPrefix string // workers announce on <prefix>/<worker_id>
	StatusTopic           string // retained reconciler status topic
	LivenessWindow        int    // seconds before a silent worker entry expires
}

// ReconcileSettings configures the reconciliation loop
type ReconcileSettings struct {
	Interval    int      // seconds between reconciliation passes
	MediaTypes  []string // entity types considered processable
	FaceCropDir string   // directory for detected face crops, relative to media storage
}

// CapabilitySettings configures capability-based routing hints
type CapabilitySettings struct {
	RequireWorkers bool // warn when no worker advertises a required task type
}

// WebServerSettings contains settings for the HTTP API server
type WebServerSettings struct {
	Enabled bool
	Port    string
	Debug   bool
}

// MediaSettings locates the media file storage root
type MediaSettings struct {
	StorageDir string // media storage root for source files and face crops
}

// Settings contains all configuration options for the insight service
type Settings struct {
	Debug bool // true to enable debug mode

	Main       MainSettings
	Database   DatabaseSettings
	Media      MediaSettings
	Compute    ComputeSettings
	Vector     VectorSettings
	MQTT       MQTTSettings
	Reconcile  ReconcileSettings
	Capability CapabilitySettings
	WebServer  WebServerSettings
}

// ComputeTimeout returns the compute request timeout as a duration
func (s *Settings) ComputeTimeout() time.Duration {
	return time.Duration(s.Compute.Timeout) * time.Second
}

// VectorTimeout returns the vector operation timeout as a duration
func (s *Settings) VectorTimeout() time.Duration {
	return time.Duration(s.Vector.Timeout) * time.Second
}

// ReconcileInterval returns the loop interval as a duration
func (s *Settings) ReconcileInterval() time.Duration {
	return time.Duration(s.Reconcile.Interval) * time.Second
}

// LivenessWindow returns the capability liveness window as a duration
func (s *Settings) LivenessWindow() time.Duration {
	return time.Duration(s.MQTT.LivenessWindow) * time.Second
}

// Load reads the configuration file and environment variables into a new
// settings instance.
func Load() (*Settings, error) {
	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	return settings, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("INSIGHT")
	viper.AutomaticEnv()

	// Set default values for each configuration parameter
	// function defined in defaults.go
	setDefaultConfig()

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Config file not found, create config with defaults
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig creates a default config file and writes it to the default config path
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")
	defaultConfig := getDefaultConfig()

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}
	return string(data)
}

// GetDefaultConfigPaths returns the config search paths in priority order.
func GetDefaultConfigPaths() ([]string, error) {
	var paths []string

	if dir := os.Getenv("INSIGHT_CONFIG_DIR"); dir != "" {
		paths = append(paths, dir)
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "insight-go"))
	}

	paths = append(paths, ".")
	if len(paths) == 0 {
		return nil, fmt.Errorf("no config paths available")
	}
	return paths, nil
}

// ValidateSettings checks settings combinations that cannot work at runtime.
func ValidateSettings(settings *Settings) error {
	if settings.Database.SQLite.Enabled && settings.Database.MySQL.Enabled {
		return fmt.Errorf("only one database backend may be enabled at a time")
	}
	if !settings.Database.SQLite.Enabled && !settings.Database.MySQL.Enabled {
		return fmt.Errorf("a database backend must be enabled")
	}
	if settings.Vector.FaceMatchThreshold < 0 || settings.Vector.FaceMatchThreshold > 1 {
		return fmt.Errorf("vector.facematchthreshold must be within [0, 1], got %f", settings.Vector.FaceMatchThreshold)
	}
	if settings.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive, got %d", settings.Reconcile.Interval)
	}
	return nil
}

