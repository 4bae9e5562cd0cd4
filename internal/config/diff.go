package config

import (
	"reflect"
	"strings"

	logx "warmline/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes api keys or hub tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.operator", newCfg.Logging.Operator.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
	}
	if !reflect.DeepEqual(oldCfg.Instances, newCfg.Instances) {
		changed = append(changed, "instances")
		attrs = append(attrs, logx.Int("instances.warm_up_days", newCfg.Instances.WarmUpDays))
	}
	if !reflect.DeepEqual(oldCfg.WarmUp, newCfg.WarmUp) {
		changed = append(changed, "warmup")
		attrs = append(attrs,
			logx.String("warmup.interval", newCfg.WarmUp.IntervalMin+".."+newCfg.WarmUp.IntervalMax),
			logx.Int("warmup.daily_conversation_limit", newCfg.WarmUp.DailyConversationLimit),
		)
	}
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.work_hours", newCfg.Queue.WorkStart+"-"+newCfg.Queue.WorkEnd),
			logx.String("queue.workdays", strings.Join(newCfg.Queue.Workdays, ",")),
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
		)
	}
	// Classifier (never log api key)
	oc, nc := oldCfg.Classifier, newCfg.Classifier
	oc.APIKey, nc.APIKey = keySet(oc.APIKey), keySet(nc.APIKey)
	if !reflect.DeepEqual(oc, nc) {
		changed = append(changed, "classifier")
		attrs = append(attrs,
			logx.Bool("classifier.enabled", nc.Enabled),
			logx.String("classifier.model", nc.Model),
			logx.Bool("classifier.api_key_set", nc.APIKey != ""),
		)
	}
	// Hub (never log tokens)
	if !reflect.DeepEqual(oldCfg.Hub, newCfg.Hub) {
		changed = append(changed, "hub")
		attrs = append(attrs, logx.Int("hub.token_count", len(newCfg.Hub.Tokens)))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
	}
	return changed, attrs
}

// RestartRequired reports whether any of the sections can only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "transport", "http":
			out = append(out, s)
		}
	}
	return out
}

func keySet(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set"
}
