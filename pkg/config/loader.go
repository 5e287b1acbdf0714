package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values only win when the
// field is actually present in the raw YAML document.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Server.Bind != "" {
		base.Server.Bind = override.Server.Bind
	}
	if override.Server.AuthToken != "" {
		base.Server.AuthToken = override.Server.AuthToken
	}
	if fieldSet(raw, "server", "allowed_origins") {
		base.Server.AllowedOrigins = append([]string{}, override.Server.AllowedOrigins...)
	}
	if fieldSet(raw, "server", "public_metrics") {
		base.Server.PublicMetrics = override.Server.PublicMetrics
	}
	if override.Server.PingInterval != 0 {
		base.Server.PingInterval = override.Server.PingInterval
	}
	if override.Server.OutboundLimit != 0 {
		base.Server.OutboundLimit = override.Server.OutboundLimit
	}

	if override.Agent.Binary != "" {
		base.Agent.Binary = override.Agent.Binary
	}
	if override.Agent.ProjectsRoot != "" {
		base.Agent.ProjectsRoot = override.Agent.ProjectsRoot
	}
	if override.Agent.MaxTurns != 0 {
		base.Agent.MaxTurns = override.Agent.MaxTurns
	}
	if override.Agent.ScannerBuffer != 0 {
		base.Agent.ScannerBuffer = override.Agent.ScannerBuffer
	}
	if override.Agent.LockTimeout != 0 {
		base.Agent.LockTimeout = override.Agent.LockTimeout
	}
	if override.Agent.TitleTimeout != 0 {
		base.Agent.TitleTimeout = override.Agent.TitleTimeout
	}
	if override.Agent.SystemPrompt != "" {
		base.Agent.SystemPrompt = override.Agent.SystemPrompt
	}
	if fieldSet(raw, "agent", "external_patterns") {
		base.Agent.ExternalPatterns = append([]string{}, override.Agent.ExternalPatterns...)
	}
	if override.Agent.ExternalConfig != "" {
		base.Agent.ExternalConfig = override.Agent.ExternalConfig
	}
	if fieldSet(raw, "agent", "screenshot_tools") {
		base.Agent.ScreenshotTools = append([]string{}, override.Agent.ScreenshotTools...)
	}
	if fieldSet(raw, "agent", "stale_markers") {
		base.Agent.StaleMarkers = append([]string{}, override.Agent.StaleMarkers...)
	}
	if override.Agent.DataDir != "" {
		base.Agent.DataDir = override.Agent.DataDir
	}

	if override.Bus.NATSURL != "" {
		base.Bus.NATSURL = override.Bus.NATSURL
	}

	if override.Logs.Dir != "" {
		base.Logs.Dir = override.Logs.Dir
	}
	if override.Logs.Level != "" {
		base.Logs.Level = override.Logs.Level
	}
	if fieldSet(raw, "logs", "stdout") {
		base.Logs.Stdout = override.Logs.Stdout
	}
}

func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
