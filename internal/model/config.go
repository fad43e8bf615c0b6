package model

import "time"

// Config is the complete runtime configuration
type Config struct {
	HTTP     HTTPConfig     `yaml:"http" mapstructure:"http"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Queue    QueueConfig    `yaml:"queue" mapstructure:"queue"`
	Extract  ExtractConfig  `yaml:"extract" mapstructure:"extract"`
	Review   ReviewConfig   `yaml:"review" mapstructure:"review"`
	Release  ReleaseConfig  `yaml:"release" mapstructure:"release"`
	Decay    DecayConfig    `yaml:"decay" mapstructure:"decay"`
	Sentinel SentinelConfig `yaml:"sentinel" mapstructure:"sentinel"`
	Audit    AuditConfig    `yaml:"audit" mapstructure:"audit"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Taxonomy TaxonomyConfig `yaml:"taxonomy" mapstructure:"taxonomy"`
}

// HTTPConfig controls outbound fetches
type HTTPConfig struct {
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	UserAgent         string        `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RespectRobots     bool          `yaml:"respect_robots" mapstructure:"respect_robots"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	HTTPProxy         string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy        string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy           string        `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// StoreConfig selects the repository backend
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // memory, postgres, sqlite, dual
	PostgresURL string `yaml:"postgres_url,omitempty" mapstructure:"postgres_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// QueueConfig selects the queue backend and retry policy
type QueueConfig struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"` // memory, redis
	RedisURL    string        `yaml:"redis_url,omitempty" mapstructure:"redis_url"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Workers     int           `yaml:"workers" mapstructure:"workers"` // Per stage
}

// ExtractConfig configures the extraction model
type ExtractConfig struct {
	Provider              string        `yaml:"provider" mapstructure:"provider"` // heuristic, openai, ollama
	Model                 string        `yaml:"model,omitempty" mapstructure:"model"`
	APIKey                string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL               string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout               time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxTokens             int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	NearVerbatimThreshold float64       `yaml:"near_verbatim_threshold" mapstructure:"near_verbatim_threshold"`
	CacheDir              string        `yaml:"cache_dir,omitempty" mapstructure:"cache_dir"`
	CacheTTL              time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// ReviewConfig is the auto-approval policy
type ReviewConfig struct {
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold" mapstructure:"auto_approve_threshold"`
	RiskCeiling          string  `yaml:"risk_ceiling" mapstructure:"risk_ceiling"` // low, medium, high
	RejectFloor          float64 `yaml:"reject_floor" mapstructure:"reject_floor"`
}

// ReleaseConfig configures the Releaser
type ReleaseConfig struct {
	LeaseTTL       time.Duration `yaml:"lease_ttl" mapstructure:"lease_ttl"`
	BundleBucket   string        `yaml:"bundle_bucket,omitempty" mapstructure:"bundle_bucket"`
	BundlePrefix   string        `yaml:"bundle_prefix" mapstructure:"bundle_prefix"`
	BundleRegion   string        `yaml:"bundle_region,omitempty" mapstructure:"bundle_region"`
	BundleEndpoint string        `yaml:"bundle_endpoint,omitempty" mapstructure:"bundle_endpoint"`
}

// DecayConfig configures the confidence decay scheduler
type DecayConfig struct {
	Interval          time.Duration `yaml:"interval" mapstructure:"interval"`
	StalenessWindow   time.Duration `yaml:"staleness_window" mapstructure:"staleness_window"`
	HalfLife          time.Duration `yaml:"half_life" mapstructure:"half_life"`
	RevalidationFloor float64       `yaml:"revalidation_floor" mapstructure:"revalidation_floor"`
}

// SentinelConfig configures source polling
type SentinelConfig struct {
	PollInterval    time.Duration   `yaml:"poll_interval" mapstructure:"poll_interval"`
	DeactivateAfter int             `yaml:"deactivate_after" mapstructure:"deactivate_after"`
	Authority       AuthorityConfig `yaml:"authority" mapstructure:"authority"`
}

// AuthorityConfig maps source hosts to authority tiers
type AuthorityConfig struct {
	PrimaryDomains   []string          `yaml:"primary_domains" mapstructure:"primary_domains"`
	SecondaryDomains []string          `yaml:"secondary_domains" mapstructure:"secondary_domains"`
	PathPatterns     []PathPattern     `yaml:"path_patterns,omitempty" mapstructure:"path_patterns"`
	DomainMap        map[string]string `yaml:"domain_map,omitempty" mapstructure:"domain_map"`
}

// PathPattern assigns a tier to URLs whose path matches Pattern
type PathPattern struct {
	Pattern string `yaml:"pattern" mapstructure:"pattern"`
	Tier    string `yaml:"tier" mapstructure:"tier"`
}

// AuditConfig selects the audit sink
type AuditConfig struct {
	Sink         string   `yaml:"sink" mapstructure:"sink"` // log, kafka
	KafkaBrokers []string `yaml:"kafka_brokers,omitempty" mapstructure:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" mapstructure:"kafka_topic"`
}

// APIConfig configures the HTTP read surface
type APIConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// TaxonomyConfig points at the concept taxonomy file
type TaxonomyConfig struct {
	Path string `yaml:"path,omitempty" mapstructure:"path"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Timeout:           15 * time.Second,
			UserAgent:         "statute/0.3 (+https://github.com/ppiankov/statute)",
			MaxBodyBytes:      5 << 20,
			RespectRobots:     true,
			RequestsPerSecond: 1,
			Burst:             2,
		},
		Store: StoreConfig{
			Driver:     "memory",
			SQLitePath: "statute.db",
		},
		Queue: QueueConfig{
			Driver:      "memory",
			MaxAttempts: 5,
			BaseBackoff: 2 * time.Second,
			MaxBackoff:  5 * time.Minute,
			Workers:     4,
		},
		Extract: ExtractConfig{
			Provider:              "heuristic",
			Timeout:               60 * time.Second,
			MaxTokens:             4000,
			NearVerbatimThreshold: 0.9,
			CacheTTL:              7 * 24 * time.Hour,
		},
		Review: ReviewConfig{
			AutoApproveThreshold: 0.85,
			RiskCeiling:          "high",
			RejectFloor:          0.2,
		},
		Release: ReleaseConfig{
			LeaseTTL:     30 * time.Second,
			BundlePrefix: "releases",
		},
		Decay: DecayConfig{
			Interval:          6 * time.Hour,
			StalenessWindow:   90 * 24 * time.Hour,
			HalfLife:          180 * 24 * time.Hour,
			RevalidationFloor: 0.6,
		},
		Sentinel: SentinelConfig{
			PollInterval:    24 * time.Hour,
			DeactivateAfter: 3,
			Authority: AuthorityConfig{
				PrimaryDomains: []string{
					"porezna-uprava.gov.hr", "narodne-novine.nn.hr", "zakon.hr", "gov.hr",
					"eur-lex.europa.eu", "legislation.gov.uk", "gov.uk",
				},
				SecondaryDomains: []string{
					"hok.hr", "hgk.hr", "fina.hr", "law.cornell.edu",
				},
			},
		},
		Audit: AuditConfig{
			Sink:       "log",
			KafkaTopic: "statute.audit",
		},
		API: APIConfig{
			Addr: ":8080",
		},
	}
}
