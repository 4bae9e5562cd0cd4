package app

import (
	"context"
	"slices"

	"warmline/internal/config"
	logx "warmline/pkg/logx"
)

// reloadLoop applies validated config changes to the running services.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	if oldCfg == nil {
		oldCfg = &config.Config{}
	}
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	// The summary masks api keys, so a rotated key shows no section.
	if !slices.Contains(sections, "classifier") && oldCfg.Classifier != newCfg.Classifier {
		sections = append(sections, "classifier")
	}
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	s, err := buildSettings(newCfg)
	if err != nil {
		// The manager validates before publishing; keep running on the old values.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", joinSections(restart)))
	}

	for _, sec := range sections {
		switch sec {
		case "logging":
			a.logs.Apply(s.logging)
		case "instances":
			a.registry.SetConfig(s.instances)
		case "warmup":
			a.warmup.SetConfig(s.warmup)
			// Warm-up days are counted in the warm-up timezone.
			a.registry.SetConfig(s.instances)
		case "queue":
			a.queue.SetConfig(s.queue)
		case "classifier":
			a.applyClassifier(oldCfg, newCfg, s)
		case "hub":
			a.hub.SetConfig(s.hub)
			a.auth.set(s.tokens)
		}
	}
	a.applyTriggers(s)
	a.settings = mergeLive(a.settings, s)

	fields := append([]logx.Field{logx.String("changed", joinSections(sections))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyClassifier(oldCfg, newCfg *config.Config, s settings) {
	a.pipeline.SetConfig(s.classifier)
	oc, nc := oldCfg.Classifier, newCfg.Classifier
	clientChanged := oc.BaseURL != nc.BaseURL || oc.APIKey != nc.APIKey || oc.Model != nc.Model ||
		oc.Timeout != nc.Timeout || oc.Retries != nc.Retries
	if !s.classifier.Enabled || clientChanged || !oc.Enabled {
		a.pipeline.SetClassifier(newClassifier(s, a.root))
	}
}

// mergeLive keeps the restart-only parts of cur and takes everything else from next.
func mergeLive(cur, next settings) settings {
	next.storage = cur.storage
	next.transport = cur.transport
	next.pairDelay = cur.pairDelay
	next.addr = cur.addr
	return next
}
