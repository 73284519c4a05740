package main

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"

	"github.com/hyperifyio/lmdrive/internal/mcp"
)

// FileConfig is the single-file YAML configuration schema. Flags override
// whatever the file provides.
type FileConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Model    string `yaml:"model" json:"model"`

	Settings struct {
		Temperature       *float64 `yaml:"temperature" json:"temperature"`
		TopP              *float64 `yaml:"topP" json:"topP"`
		RepetitionPenalty *float64 `yaml:"repetitionPenalty" json:"repetitionPenalty"`
		PresencePenalty   *float64 `yaml:"presencePenalty" json:"presencePenalty"`
		FrequencyPenalty  *float64 `yaml:"frequencyPenalty" json:"frequencyPenalty"`
		MaxTokens         int      `yaml:"maxTokens" json:"maxTokens"`
		Seed              *int     `yaml:"seed" json:"seed"`
		Stop              []string `yaml:"stop" json:"stop"`
		SystemPrompt      string   `yaml:"systemPrompt" json:"systemPrompt"`
		ContextLimit      int      `yaml:"contextLimit" json:"contextLimit"`
		TokenSaver        bool     `yaml:"tokenSaver" json:"tokenSaver"`
	} `yaml:"settings" json:"settings"`

	// Servers maps MCP integration ids to their transport configs.
	Servers map[string]mcp.ServerConfig `yaml:"servers" json:"servers"`
}

func loadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}
