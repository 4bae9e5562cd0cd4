package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"warmline/internal/classify"
	"warmline/internal/config"
	"warmline/internal/hub"
	"warmline/internal/instance"
	"warmline/internal/queue"
	"warmline/internal/scheduler"
	"warmline/internal/storage"
	"warmline/internal/warmup"
	logx "warmline/pkg/logx"
)

// APIKeyEnv supplies the classifier key when the config file leaves it empty.
const APIKeyEnv = "WARMLINE_CLASSIFIER_API_KEY"

const defaultAddr = "127.0.0.1:8080"

// settings is a fully parsed Config: every service config the app wires.
type settings struct {
	logging   logx.Config
	storage   storage.Config
	transport string
	pairDelay time.Duration

	instances instance.Config

	warmup       warmup.Config
	warmAutoOn   string
	warmAutoOff  string
	warmLocation *time.Location

	queue         queue.Config
	queueAutoOn   string
	queueLocation *time.Location

	classifier classify.Config
	openai     classify.OpenAIConfig

	hub    hub.Config
	tokens hub.TokenAuth

	addr string
}

// cronCheck validates specs with the same parser the triggers use.
var cronCheck = scheduler.New(time.UTC, logx.Nop())

func buildSettings(cfg *config.Config) (settings, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	var s settings
	var err error

	s.logging = mapLogging(cfg.Logging)
	if s.storage, err = mapStorage(cfg.Storage); err != nil {
		return s, err
	}
	if s.transport, s.pairDelay, err = mapTransport(cfg.Transport); err != nil {
		return s, err
	}
	if s.instances, err = mapInstances(cfg); err != nil {
		return s, err
	}
	if err = mapWarmUp(cfg.WarmUp, &s); err != nil {
		return s, err
	}
	if err = mapQueue(cfg.Queue, &s); err != nil {
		return s, err
	}
	if err = mapClassifier(cfg.Classifier, &s); err != nil {
		return s, err
	}
	if err = mapHub(cfg.Hub, &s); err != nil {
		return s, err
	}
	s.addr = strings.TrimSpace(cfg.HTTP.Addr)
	if s.addr == "" {
		s.addr = defaultAddr
	}
	return s, nil
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Operator: logx.OperatorConfig{
			Enabled:    c.Operator.Enabled,
			MinLevel:   c.Operator.MinLevel,
			RatePerSec: c.Operator.RatePerSec,
		},
	}
}

func mapStorage(sc config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTransport(tc config.TransportConfig) (string, time.Duration, error) {
	driver := strings.ToLower(strings.TrimSpace(tc.Driver))
	if driver == "" {
		driver = "loopback"
	}
	if driver != "loopback" {
		return "", 0, fmt.Errorf("unknown transport.driver: %s", tc.Driver)
	}
	d, err := config.ParseDurationField("transport.pair_delay", tc.PairDelay)
	if err != nil {
		return "", 0, err
	}
	return driver, d, nil
}

func mapInstances(cfg *config.Config) (instance.Config, error) {
	ic := cfg.Instances
	if ic.WarmUpDays < 0 {
		return instance.Config{}, fmt.Errorf("instances.warm_up_days must be >= 0")
	}
	out := instance.Config{WarmUpDays: ic.WarmUpDays}
	var err error
	if out.SendTimeout, err = config.ParseDurationField("instances.send_timeout", ic.SendTimeout); err != nil {
		return out, err
	}
	if out.ReconnectMin, err = config.ParseDurationField("instances.reconnect_min", ic.ReconnectMin); err != nil {
		return out, err
	}
	if out.ReconnectMax, err = config.ParseDurationField("instances.reconnect_max", ic.ReconnectMax); err != nil {
		return out, err
	}
	if out.ReconnectMax > 0 && out.ReconnectMax < out.ReconnectMin {
		return out, fmt.Errorf("instances.reconnect_max must be >= instances.reconnect_min")
	}
	// Warm-up days are counted in the warm-up timezone.
	if out.Location, err = config.ParseLocation("warmup.timezone", cfg.WarmUp.Timezone); err != nil {
		return out, err
	}
	return out, nil
}

func mapWarmUp(wc config.WarmUpConfig, s *settings) error {
	var err error
	out := warmup.Config{
		MessagesPerConversation: wc.MessagesPerConversation,
		DailyConversationLimit:  wc.DailyConversationLimit,
		PairDailyLimit:          wc.PairDailyLimit,
	}
	if wc.MessagesPerConversation < 0 || wc.DailyConversationLimit < 0 || wc.PairDailyLimit < 0 {
		return fmt.Errorf("warmup limits must be >= 0")
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"warmup.interval_min", wc.IntervalMin, &out.IntervalMin},
		{"warmup.interval_max", wc.IntervalMax, &out.IntervalMax},
		{"warmup.reply_delay_min", wc.ReplyDelayMin, &out.ReplyDelayMin},
		{"warmup.reply_delay_max", wc.ReplyDelayMax, &out.ReplyDelayMax},
	}
	for _, d := range durations {
		if *d.dst, err = config.ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if out.IntervalMax > 0 && out.IntervalMax < out.IntervalMin {
		return fmt.Errorf("warmup.interval_max must be >= warmup.interval_min")
	}
	if out.Location, err = config.ParseLocation("warmup.timezone", wc.Timezone); err != nil {
		return err
	}
	for path, spec := range map[string]string{"warmup.autostart": wc.Autostart, "warmup.autostop": wc.Autostop} {
		if err := cronCheck.Validate(spec); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	s.warmup = out
	s.warmAutoOn = strings.TrimSpace(wc.Autostart)
	s.warmAutoOff = strings.TrimSpace(wc.Autostop)
	s.warmLocation = out.Location
	return nil
}

func mapQueue(qc config.QueueConfig, s *settings) error {
	loc, err := config.ParseLocation("queue.timezone", qc.Timezone)
	if err != nil {
		return err
	}
	wh, err := queue.ParseWorkHours(qc.WorkStart, qc.WorkEnd, qc.Workdays, loc)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if qc.MaxAttempts < 0 {
		return fmt.Errorf("queue.max_attempts must be >= 0")
	}
	if qc.RatePerMinute < 0 {
		return fmt.Errorf("queue.rate_per_minute must be >= 0")
	}
	out := queue.Config{
		WorkHours:     wh,
		MaxAttempts:   qc.MaxAttempts,
		RatePerMinute: qc.RatePerMinute,
		RequireWarmed: qc.RequireWarmed == nil || *qc.RequireWarmed,
	}
	if out.SendDelayMin, err = config.ParseDurationField("queue.send_delay_min", qc.SendDelayMin); err != nil {
		return err
	}
	if out.SendDelayMax, err = config.ParseDurationField("queue.send_delay_max", qc.SendDelayMax); err != nil {
		return err
	}
	if err := cronCheck.Validate(qc.Autostart); err != nil {
		return fmt.Errorf("queue.autostart: %w", err)
	}
	s.queue = out
	s.queueAutoOn = strings.TrimSpace(qc.Autostart)
	s.queueLocation = loc
	return nil
}

func mapClassifier(cc config.ClassifierConfig, s *settings) error {
	var err error
	out := classify.Config{
		Enabled:   cc.Enabled,
		MaxTurns:  cc.MaxTurns,
		Locale:    strings.TrimSpace(cc.Locale),
		AutoReply: cc.AutoReply,
	}
	if cc.MaxTurns < 0 || cc.Retries < 0 {
		return fmt.Errorf("classifier.max_turns and classifier.retries must be >= 0")
	}
	if out.Debounce, err = config.ParseDurationField("classifier.debounce", cc.Debounce); err != nil {
		return err
	}
	if out.Window, err = config.ParseDurationField("classifier.window", cc.Window); err != nil {
		return err
	}
	if out.Location, err = config.ParseLocation("classifier.timezone", cc.Timezone); err != nil {
		return err
	}
	oa := classify.OpenAIConfig{
		BaseURL: strings.TrimSpace(cc.BaseURL),
		APIKey:  strings.TrimSpace(cc.APIKey),
		Model:   strings.TrimSpace(cc.Model),
		Retries: cc.Retries,
	}
	if oa.APIKey == "" {
		oa.APIKey = strings.TrimSpace(os.Getenv(APIKeyEnv))
	}
	if oa.Timeout, err = config.ParseDurationField("classifier.timeout", cc.Timeout); err != nil {
		return err
	}
	if cc.Enabled && oa.APIKey == "" && oa.BaseURL == "" {
		return fmt.Errorf("classifier.api_key (or %s) is required when classifier.enabled is true", APIKeyEnv)
	}
	s.classifier = out
	s.openai = oa
	return nil
}

func mapHub(hc config.HubConfig, s *settings) error {
	out := hub.Config{SendBuffer: hc.SendBuffer}
	if hc.SendBuffer < 0 {
		return fmt.Errorf("hub.send_buffer must be >= 0")
	}
	var err error
	if out.PingInterval, err = config.ParseDurationField("hub.ping_interval", hc.PingInterval); err != nil {
		return err
	}
	tokens := make(hub.TokenAuth, len(hc.Tokens))
	for tok, user := range hc.Tokens {
		tok, user = strings.TrimSpace(tok), strings.TrimSpace(user)
		if tok == "" || user == "" {
			return fmt.Errorf("hub.tokens: empty token or user")
		}
		tokens[tok] = user
	}
	s.hub = out
	s.tokens = tokens
	return nil
}
