package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/viper"

	"github.com/prebid/prebid-exchange/errortypes"
)

// Configuration specifies the static application config.
type Configuration struct {
	ExternalURL string `mapstructure:"external_url"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	AdminPort   int    `mapstructure:"admin_port"`
	EnableGzip  bool   `mapstructure:"enable_gzip"`
	// StatusResponse is the string which will be returned by the /status endpoint when things are OK.
	// If empty, it will return a 204 with no content.
	StatusResponse  string          `mapstructure:"status_response"`
	AuctionTimeouts AuctionTimeouts `mapstructure:"auction_timeouts_ms"`
	CacheURL        Cache           `mapstructure:"cache"`
	ExtCacheURL     ExternalCache   `mapstructure:"external_cache"`
	HTTPClient      HTTPClient      `mapstructure:"http_client"`
	CacheClient     HTTPClient      `mapstructure:"http_client_cache"`
	// MaxRequestSize is the largest auction request body accepted, in bytes.
	MaxRequestSize int64   `mapstructure:"max_request_size"`
	Metrics        Metrics `mapstructure:"metrics"`
	// Adapters are keyed by bidder name.
	Adapters map[string]Adapter `mapstructure:"adapters"`
	// BidderParamsDir holds the {bidder}.json schemas used to validate imp.ext params.
	BidderParamsDir string `mapstructure:"bidder_params_dir"`
	// GenerateBidID adds a unique bidid to bid.ext.prebid for every returned bid.
	GenerateBidID bool `mapstructure:"generate_bid_id"`
	// UIDCookieName names the cookie holding the user's bidder ids.
	UIDCookieName string `mapstructure:"uid_cookie_name"`
	// RequestTimeoutHeaders name the headers an upstream queue sets on auction requests.
	RequestTimeoutHeaders RequestTimeoutHeaders `mapstructure:"request_timeout_headers"`
}

// RequestTimeoutHeaders lets a load balancer report how long a request waited before reaching us.
// Requests that waited longer than their allowed queue time are rejected without running an auction.
type RequestTimeoutHeaders struct {
	RequestTimeInQueue    string `mapstructure:"request_time_in_queue"`
	RequestTimeoutInQueue string `mapstructure:"request_timeout_in_queue"`
}

type AuctionTimeouts struct {
	// The default timeout is used if the user's request didn't define one. Use 0 if there's no default.
	Default uint64 `mapstructure:"default"`
	// The max timeout is used as an absolute cap, to prevent excessively long ones. Use 0 for no cap
	Max uint64 `mapstructure:"max"`
}

func (cfg *AuctionTimeouts) validate(errs []error) []error {
	if cfg.Max < cfg.Default {
		errs = append(errs, fmt.Errorf("auction_timeouts_ms.max cannot be less than auction_timeouts_ms.default. max=%d, default=%d", cfg.Max, cfg.Default))
	}
	return errs
}

// LimitAuctionTimeout returns the min of requested or cfg.MaxAuctionTimeout.
// Both values treat "0" as "infinite".
func (cfg *AuctionTimeouts) LimitAuctionTimeout(requested time.Duration) time.Duration {
	if requested == 0 && cfg.Default != 0 {
		return time.Duration(cfg.Default) * time.Millisecond
	}
	if cfg.Max > 0 {
		maxTimeout := time.Duration(cfg.Max) * time.Millisecond
		if requested > maxTimeout {
			return maxTimeout
		}
	}
	return requested
}

type HTTPClient struct {
	MaxConnsPerHost     int `mapstructure:"max_connections_per_host"`
	MaxIdleConns        int `mapstructure:"max_idle_connections"`
	MaxIdleConnsPerHost int `mapstructure:"max_idle_connections_per_host"`
	IdleConnTimeout     int `mapstructure:"idle_connection_timeout_seconds"`
}

// Cache configures the markup cache the auction writes winning bids to.
type Cache struct {
	Scheme string `mapstructure:"scheme"`
	Host   string `mapstructure:"host"`
	Query  string `mapstructure:"query"`

	// A static timeout here is not ideal. This is a hack because we have some aggressive timelines for OpenRTB support.
	// This value specifies how much time the auction reserves for the cache call. Bidders get the rest.
	ExpectedTimeMillis int `mapstructure:"expected_millis"`

	// DefaultTTLSeconds applies to cached items whose bid carries no exp.
	DefaultTTLSeconds int64 `mapstructure:"default_ttl_seconds"`
}

// ExternalCache configures the externally reachable location of cached items, if it differs from Cache.
type ExternalCache struct {
	Scheme string `mapstructure:"scheme"`
	Host   string `mapstructure:"host"`
	Path   string `mapstructure:"path"`
}

func (cfg *ExternalCache) validate(errs []error) []error {
	if cfg.Host == "" && cfg.Path == "" {
		return errs
	}

	if cfg.Scheme != "" && cfg.Scheme != "http" && cfg.Scheme != "https" {
		return append(errs, errors.New("External cache Scheme must be http or https if specified"))
	}

	// Either host or path or both not empty, then host must be specified and must be a valid hostname.
	if strings.Contains(cfg.Host, "://") || strings.Contains(cfg.Host, "/") {
		return append(errs, fmt.Errorf("External cache Host '%s' must not contain a scheme or a path", cfg.Host))
	}
	if cfg.Host == "" {
		return append(errs, errors.New("External cache Host must be specified when Path is set"))
	}
	if cfg.Path != "" && !strings.HasPrefix(cfg.Path, "/") {
		return append(errs, fmt.Errorf("External cache Path '%s' must begin with /", cfg.Path))
	}
	return errs
}

type Metrics struct {
	Influxdb   InfluxMetrics     `mapstructure:"influxdb"`
	Prometheus PrometheusMetrics `mapstructure:"prometheus"`
	// AsyncQueueSize bounds the number of pending metric records. Records beyond it are dropped.
	AsyncQueueSize int `mapstructure:"async_queue_size"`
}

type InfluxMetrics struct {
	Host               string `mapstructure:"host"`
	Database           string `mapstructure:"database"`
	Measurement        string `mapstructure:"measurement"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	AlignTimestamps    bool   `mapstructure:"align_timestamps"`
	MetricSendInterval int    `mapstructure:"metric_send_interval"`
}

func (cfg *InfluxMetrics) validate(errs []error) []error {
	if cfg.Host != "" && cfg.MetricSendInterval <= 0 {
		errs = append(errs, fmt.Errorf("metrics.influxdb.metric_send_interval must be positive, got %d", cfg.MetricSendInterval))
	}
	return errs
}

type PrometheusMetrics struct {
	Port             int    `mapstructure:"port"`
	Namespace        string `mapstructure:"namespace"`
	Subsystem        string `mapstructure:"subsystem"`
	TimeoutMillisRaw int    `mapstructure:"timeout_ms"`
}

func (cfg *PrometheusMetrics) validate(errs []error) []error {
	if cfg.Port > 0 && cfg.TimeoutMillisRaw <= 0 {
		errs = append(errs, fmt.Errorf("metrics.prometheus.timeout_ms must be positive if metrics.prometheus.port is defined. port=%d, timeout_ms=%d", cfg.Port, cfg.TimeoutMillisRaw))
	}
	return errs
}

func (m *PrometheusMetrics) Timeout() time.Duration {
	return time.Duration(m.TimeoutMillisRaw) * time.Millisecond
}

func (cfg *Configuration) validate() []error {
	var errs []error
	errs = cfg.AuctionTimeouts.validate(errs)
	errs = cfg.ExtCacheURL.validate(errs)
	errs = cfg.Metrics.Influxdb.validate(errs)
	errs = cfg.Metrics.Prometheus.validate(errs)
	errs = validateAdapters(cfg.Adapters, errs)
	if cfg.Metrics.AsyncQueueSize < 0 {
		errs = append(errs, fmt.Errorf("metrics.async_queue_size must not be negative, got %d", cfg.Metrics.AsyncQueueSize))
	}
	if cfg.CacheURL.ExpectedTimeMillis < 0 {
		errs = append(errs, fmt.Errorf("cache.expected_millis must not be negative, got %d", cfg.CacheURL.ExpectedTimeMillis))
	}
	if cfg.CacheURL.DefaultTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("cache.default_ttl_seconds must not be negative, got %d", cfg.CacheURL.DefaultTTLSeconds))
	}
	if cfg.MaxRequestSize <= 0 {
		errs = append(errs, fmt.Errorf("max_request_size must be positive, got %d", cfg.MaxRequestSize))
	}
	return errs
}

// New uses viper to get our server configurations.
func New(v *viper.Viper) (*Configuration, error) {
	var c Configuration
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("viper failed to unmarshal app config: %v", err)
	}

	// Lowercase the bidder names so that config overrides from env vars match the names used in requests.
	adapters := make(map[string]Adapter, len(c.Adapters))
	for name, adapter := range c.Adapters {
		adapters[strings.ToLower(name)] = adapter
	}
	c.Adapters = adapters

	glog.Infof("Configured %d adapters, auction timeouts default=%dms max=%dms", len(c.Adapters), c.AuctionTimeouts.Default, c.AuctionTimeouts.Max)

	if errs := c.validate(); len(errs) > 0 {
		return &c, errortypes.NewAggregateErrors("validation errors", errs)
	}

	return &c, nil
}

// GetBaseURL allows for protocol relative URL if scheme is empty
func (cfg *Cache) GetBaseURL() string {
	cfg.Scheme = strings.ToLower(cfg.Scheme)
	if strings.Contains(cfg.Scheme, "https") {
		return fmt.Sprintf("https://%s", cfg.Host)
	}
	if strings.Contains(cfg.Scheme, "http") {
		return fmt.Sprintf("http://%s", cfg.Host)
	}
	return fmt.Sprintf("//%s", cfg.Host)
}

// GetCachedAssetURL returns the URL at which a cached item can be fetched.
func (cfg *Configuration) GetCachedAssetURL(uuid string) string {
	return fmt.Sprintf("%s/cache?%s", cfg.CacheURL.GetBaseURL(), strings.Replace(cfg.CacheURL.Query, "%PBS_CACHE_UUID%", uuid, 1))
}

// GetExternalCacheURL returns the externally reachable cache location, falling back to the internal one.
func (cfg *Configuration) GetExternalCacheURL() *url.URL {
	if cfg.ExtCacheURL.Host == "" {
		u, err := url.Parse(cfg.CacheURL.GetBaseURL())
		if err != nil {
			return &url.URL{}
		}
		u.Path = "/cache"
		return u
	}
	scheme := cfg.ExtCacheURL.Scheme
	if scheme == "" {
		scheme = "https"
	}
	path := cfg.ExtCacheURL.Path
	if path == "" {
		path = "/cache"
	}
	return &url.URL{Scheme: scheme, Host: cfg.ExtCacheURL.Host, Path: path}
}

// SetupViper registers the defaults and the sources of configuration.
// Values come from, in order of precedence: environment variables (PBS_ prefix, "." replaced by "_"),
// the named config file, and the defaults below.
func SetupViper(v *viper.Viper, filename string) {
	if filename != "" {
		v.SetConfigName(filename)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/config")
	}

	// Some defaults are set just so they are accessible via environment variables
	// (basically so viper knows they exist)
	v.SetDefault("external_url", "http://localhost:8000")
	v.SetDefault("host", "")
	v.SetDefault("port", 8000)
	v.SetDefault("admin_port", 6060)
	v.SetDefault("enable_gzip", false)
	v.SetDefault("status_response", "")
	v.SetDefault("auction_timeouts_ms.default", 1000)
	v.SetDefault("auction_timeouts_ms.max", 3000)
	v.SetDefault("cache.scheme", "")
	v.SetDefault("cache.host", "")
	v.SetDefault("cache.query", "uuid=%PBS_CACHE_UUID%")
	v.SetDefault("cache.expected_millis", 10)
	v.SetDefault("cache.default_ttl_seconds", 300)
	v.SetDefault("external_cache.scheme", "")
	v.SetDefault("external_cache.host", "")
	v.SetDefault("external_cache.path", "")
	v.SetDefault("http_client.max_connections_per_host", 0) // unlimited
	v.SetDefault("http_client.max_idle_connections", 400)
	v.SetDefault("http_client.max_idle_connections_per_host", 10)
	v.SetDefault("http_client.idle_connection_timeout_seconds", 60)
	v.SetDefault("http_client_cache.max_connections_per_host", 0) // unlimited
	v.SetDefault("http_client_cache.max_idle_connections", 10)
	v.SetDefault("http_client_cache.max_idle_connections_per_host", 2)
	v.SetDefault("http_client_cache.idle_connection_timeout_seconds", 60)
	v.SetDefault("max_request_size", 1024*256)
	v.SetDefault("metrics.influxdb.host", "")
	v.SetDefault("metrics.influxdb.database", "")
	v.SetDefault("metrics.influxdb.measurement", "")
	v.SetDefault("metrics.influxdb.username", "")
	v.SetDefault("metrics.influxdb.password", "")
	v.SetDefault("metrics.influxdb.align_timestamps", false)
	v.SetDefault("metrics.influxdb.metric_send_interval", 20)
	v.SetDefault("metrics.prometheus.port", 0)
	v.SetDefault("metrics.prometheus.namespace", "")
	v.SetDefault("metrics.prometheus.subsystem", "")
	v.SetDefault("metrics.prometheus.timeout_ms", 10000)
	v.SetDefault("metrics.async_queue_size", 1000)
	v.SetDefault("adapters.generic.endpoint", "http://localhost/prebid_server")
	v.SetDefault("adapters.generic.adapter", "generic")
	v.SetDefault("adapters.generic.disabled", true)
	v.SetDefault("bidder_params_dir", "static/bidder-params")
	v.SetDefault("generate_bid_id", false)
	v.SetDefault("uid_cookie_name", "uids")
	v.SetDefault("request_timeout_headers.request_time_in_queue", "")
	v.SetDefault("request_timeout_headers.request_timeout_in_queue", "")

	v.SetEnvPrefix("PBS")
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if filename != "" {
		if err := v.ReadInConfig(); err != nil {
			glog.Warningf("Could not read config file %s, continuing with defaults and environment: %v", filename, err)
		}
	}
}
