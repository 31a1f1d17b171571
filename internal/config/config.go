package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"

	"github.com/wegman-software/tilecrawl/internal/combine"
)

// EnvPrefix prefixes every environment override, e.g. TILECRAWL_CACHE_DIR
const EnvPrefix = "TILECRAWL"

// ParseBBox parses a bbox string in format "minlon,minlat,maxlon,maxlat"
func ParseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, eris.New("bbox must have 4 values: minlon,minlat,maxlon,maxlat")
	}

	var coords [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, eris.Wrapf(err, "invalid bbox coordinate %q", p)
		}
		coords[i] = v
	}

	b := orb.Bound{
		Min: orb.Point{coords[0], coords[1]},
		Max: orb.Point{coords[2], coords[3]},
	}
	if b.Min.Lon() >= b.Max.Lon() {
		return orb.Bound{}, eris.Errorf("minlon (%f) must be < maxlon (%f)", b.Min.Lon(), b.Max.Lon())
	}
	if b.Min.Lat() >= b.Max.Lat() {
		return orb.Bound{}, eris.Errorf("minlat (%f) must be < maxlat (%f)", b.Min.Lat(), b.Max.Lat())
	}
	return b, nil
}

// HTTPConfig tunes the shared upstream client
type HTTPConfig struct {
	UserAgent    string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RetryMax     int           `yaml:"retry_max" mapstructure:"retry_max"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min" mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max" mapstructure:"retry_wait_max"`
	// CAFile adds PEM certificates to the system roots, for upstreams
	// signed by a national CA
	CAFile             string `yaml:"ca_file" mapstructure:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// RosreestrConfig configures the cadastral map source
type RosreestrConfig struct {
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	RequestDelay time.Duration `yaml:"request_delay" mapstructure:"request_delay"`
}

// WikimapiaConfig configures the KML source
type WikimapiaConfig struct {
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestDelay time.Duration `yaml:"request_delay" mapstructure:"request_delay"`
	InitialZoom  int           `yaml:"initial_zoom" mapstructure:"initial_zoom"`
	MaxZoom      int           `yaml:"max_zoom" mapstructure:"max_zoom"`
}

// OSMTilesConfig configures the raster tile mirror
type OSMTilesConfig struct {
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Version           string  `yaml:"version" mapstructure:"version"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// OSMBuildingsConfig configures the OSM editing API source
type OSMBuildingsConfig struct {
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	RequestDelay time.Duration `yaml:"request_delay" mapstructure:"request_delay"`
}

// DBConfig holds PostGIS connection settings for loading combined output
type DBConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Name     string `yaml:"name" mapstructure:"name"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Schema   string `yaml:"schema" mapstructure:"schema"`
}

// LogConfig controls rotation of the --log-file output
type LogConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `yaml:"compress" mapstructure:"compress"`
}

// Config holds the global configuration
type Config struct {
	CacheDir string `yaml:"cache_dir" mapstructure:"cache_dir"`
	// Workers bounds parallel decoding while combining
	Workers int    `yaml:"workers" mapstructure:"workers"`
	Policy  string `yaml:"policy" mapstructure:"policy"`

	HTTP         HTTPConfig         `yaml:"http" mapstructure:"http"`
	Rosreestr    RosreestrConfig    `yaml:"rosreestr" mapstructure:"rosreestr"`
	Wikimapia    WikimapiaConfig    `yaml:"wikimapia" mapstructure:"wikimapia"`
	OSMTiles     OSMTilesConfig     `yaml:"osm_tiles" mapstructure:"osm_tiles"`
	OSMBuildings OSMBuildingsConfig `yaml:"osm_buildings" mapstructure:"osm_buildings"`
	DB           DBConfig           `yaml:"db" mapstructure:"db"`

	// Logging and metrics
	Verbose         bool          `yaml:"verbose" mapstructure:"verbose"`
	LogFile         string        `yaml:"log_file" mapstructure:"log_file"`
	Log             LogConfig     `yaml:"log" mapstructure:"log"`
	MetricsInterval time.Duration `yaml:"metrics_interval" mapstructure:"metrics_interval"`
	MetricsAddr     string        `yaml:"metrics_addr" mapstructure:"metrics_addr"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		CacheDir: "./data",
		Workers:  runtime.NumCPU(),
		Policy:   string(combine.FirstWins),
		HTTP: HTTPConfig{
			UserAgent:    "tilecrawl/1.0",
			Timeout:      30 * time.Second,
			RetryMax:     5,
			RetryWaitMin: 500 * time.Millisecond,
			RetryWaitMax: 30 * time.Second,
		},
		Rosreestr: RosreestrConfig{
			BaseURL:      "https://pkk.rosreestr.ru",
			RequestDelay: 500 * time.Millisecond,
		},
		Wikimapia: WikimapiaConfig{
			BaseURL:      "http://wikimapia.org",
			Timeout:      20 * time.Second,
			RequestDelay: time.Second,
			InitialZoom:  16,
			MaxZoom:      16,
		},
		OSMTiles: OSMTilesConfig{
			BaseURL: "https://tile.openstreetmap.org",
		},
		OSMBuildings: OSMBuildingsConfig{
			BaseURL:      "https://api.openstreetmap.org",
			RequestDelay: time.Second,
		},
		DB: DBConfig{
			Host:   "localhost",
			Port:   5432,
			Name:   "osm",
			User:   "postgres",
			Schema: "public",
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		MetricsInterval: 30 * time.Second, // Log system metrics every 30 seconds
	}
}

// Load reads configuration from an optional YAML file and the environment.
// An empty path looks for tilecrawl.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tilecrawl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can see it
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("policy", d.Policy)

	v.SetDefault("http.user_agent", d.HTTP.UserAgent)
	v.SetDefault("http.timeout", d.HTTP.Timeout)
	v.SetDefault("http.retry_max", d.HTTP.RetryMax)
	v.SetDefault("http.retry_wait_min", d.HTTP.RetryWaitMin)
	v.SetDefault("http.retry_wait_max", d.HTTP.RetryWaitMax)
	v.SetDefault("http.ca_file", d.HTTP.CAFile)
	v.SetDefault("http.insecure_skip_verify", d.HTTP.InsecureSkipVerify)

	v.SetDefault("rosreestr.base_url", d.Rosreestr.BaseURL)
	v.SetDefault("rosreestr.request_delay", d.Rosreestr.RequestDelay)

	v.SetDefault("wikimapia.base_url", d.Wikimapia.BaseURL)
	v.SetDefault("wikimapia.timeout", d.Wikimapia.Timeout)
	v.SetDefault("wikimapia.request_delay", d.Wikimapia.RequestDelay)
	v.SetDefault("wikimapia.initial_zoom", d.Wikimapia.InitialZoom)
	v.SetDefault("wikimapia.max_zoom", d.Wikimapia.MaxZoom)

	v.SetDefault("osm_tiles.base_url", d.OSMTiles.BaseURL)
	v.SetDefault("osm_tiles.version", d.OSMTiles.Version)
	v.SetDefault("osm_tiles.requests_per_second", d.OSMTiles.RequestsPerSecond)

	v.SetDefault("osm_buildings.base_url", d.OSMBuildings.BaseURL)
	v.SetDefault("osm_buildings.request_delay", d.OSMBuildings.RequestDelay)

	v.SetDefault("db.host", d.DB.Host)
	v.SetDefault("db.port", d.DB.Port)
	v.SetDefault("db.name", d.DB.Name)
	v.SetDefault("db.user", d.DB.User)
	v.SetDefault("db.password", d.DB.Password)
	v.SetDefault("db.schema", d.DB.Schema)

	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("metrics_interval", d.MetricsInterval)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DB.Host, c.DB.Port, c.DB.Name, c.DB.User,
	)
	if c.DB.Password != "" {
		connStr += fmt.Sprintf(" password=%s", c.DB.Password)
	}
	return connStr
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return eris.New("cache dir is required")
	}
	if c.Workers < 1 {
		return eris.New("workers must be at least 1")
	}
	if _, err := combine.ParsePolicy(c.Policy); err != nil {
		return err
	}
	if c.HTTP.RetryMax < 0 {
		return eris.New("http.retry_max must not be negative")
	}
	if c.HTTP.CAFile != "" {
		if _, err := os.Stat(c.HTTP.CAFile); err != nil {
			return eris.Wrap(err, "http.ca_file")
		}
	}
	for name, d := range map[string]time.Duration{
		"rosreestr.request_delay":     c.Rosreestr.RequestDelay,
		"wikimapia.request_delay":     c.Wikimapia.RequestDelay,
		"osm_buildings.request_delay": c.OSMBuildings.RequestDelay,
	} {
		if d < 0 {
			return eris.Errorf("%s must not be negative", name)
		}
	}
	if c.Log.MaxSizeMB < 1 {
		return eris.New("log.max_size_mb must be at least 1")
	}
	if c.OSMTiles.RequestsPerSecond < 0 {
		return eris.New("osm_tiles.requests_per_second must not be negative")
	}
	if c.Wikimapia.InitialZoom > c.Wikimapia.MaxZoom {
		return eris.Errorf("wikimapia zoom range %d..%d is empty", c.Wikimapia.InitialZoom, c.Wikimapia.MaxZoom)
	}
	return nil
}
