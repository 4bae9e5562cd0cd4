package config

// Config is the root of the warmline config file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Transport  TransportConfig  `json:"transport"`
	Instances  InstancesConfig  `json:"instances"`
	WarmUp     WarmUpConfig     `json:"warmup"`
	Queue      QueueConfig      `json:"queue"`
	Classifier ClassifierConfig `json:"classifier"`
	Hub        HubConfig        `json:"hub"`
	HTTP       HTTPConfig       `json:"http"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOperator mirrors log lines to connected dashboards.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/warmline.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// TransportConfig selects the session transport driver.
type TransportConfig struct {
	Driver string `json:"driver"`
	// PairDelay auto-completes pairing for the loopback driver ("0s" = manual).
	PairDelay string `json:"pair_delay,omitempty"`
}

type InstancesConfig struct {
	// WarmUpDays is how many distinct warm-up days make an instance "warmed".
	WarmUpDays   int    `json:"warm_up_days"`
	SendTimeout  string `json:"send_timeout,omitempty"`
	ReconnectMin string `json:"reconnect_min,omitempty"`
	ReconnectMax string `json:"reconnect_max,omitempty"`
}

type WarmUpConfig struct {
	EnableOnStart           bool   `json:"enable_on_start"`
	IntervalMin             string `json:"interval_min"`
	IntervalMax             string `json:"interval_max"`
	MessagesPerConversation int    `json:"messages_per_conversation"`
	ReplyDelayMin           string `json:"reply_delay_min"`
	ReplyDelayMax           string `json:"reply_delay_max"`
	DailyConversationLimit  int    `json:"daily_conversation_limit"`
	PairDailyLimit          int    `json:"pair_daily_limit"`

	// Optional cron specs that enable/disable warm-up automatically.
	Autostart string `json:"autostart,omitempty"`
	Autostop  string `json:"autostop,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

type QueueConfig struct {
	Timezone  string   `json:"timezone,omitempty"`
	WorkStart string   `json:"work_start"` // "HH:MM"
	WorkEnd   string   `json:"work_end"`   // "HH:MM"
	Workdays  []string `json:"workdays"`   // "mon".."sun"

	MaxAttempts   int    `json:"max_attempts"`
	RatePerMinute int    `json:"rate_per_minute"`
	SendDelayMin  string `json:"send_delay_min"`
	SendDelayMax  string `json:"send_delay_max"`

	// RequireWarmed restricts sending to instances that finished warm-up.
	// Pointer so an omitted field keeps the default (true).
	RequireWarmed *bool `json:"require_warmed,omitempty"`

	// Autostart is a cron spec that starts a run (e.g. "0 9 * * 1-5").
	Autostart string `json:"autostart,omitempty"`
}

type ClassifierConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url,omitempty"`
	// APIKey falls back to WARMLINE_CLASSIFIER_API_KEY (never logged).
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model"`
	Timeout  string `json:"timeout,omitempty"`
	Retries  int    `json:"retries"`
	Debounce string `json:"debounce"`
	Window   string `json:"window"`
	MaxTurns int    `json:"max_turns"`
	Locale   string `json:"locale,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	AutoReply bool `json:"auto_reply"`
}

type HubConfig struct {
	// Tokens maps an access token to the operator user id it authenticates.
	Tokens       map[string]string `json:"tokens"`
	PingInterval string            `json:"ping_interval,omitempty"`
	SendBuffer   int               `json:"send_buffer,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}
