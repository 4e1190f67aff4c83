package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is the prefix of every environment override.
	EnvPrefix = "INDEXD_"
)

// sections whose name contains an underscore; the transformer must not
// split them.
var compoundSections = []string{"content_types", "vector_store"}

// subsections per section. Keys are matched as whole words after the
// section name.
var subsections = map[string][]string{
	"embedding":    {"openai", "ollama", "fastembed", "tei"},
	"vector_store": {"qdrant", "sqlite", "chromem"},
	"scheduler":    {"memory", "temporal"},
}

// Load reads configuration from the YAML file at path (optional) and
// overlays INDEXD_* environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (INDEXD_SERVER_PORT, INDEXD_EMBEDDING_OPENAI_API_KEY, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// A missing file is not an error; an oversized one is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// envKey maps an environment variable name to a koanf key path.
//
//	INDEXD_SERVER_PORT                        -> server.port
//	INDEXD_WORKER_TIME_BUDGET                 -> worker.time_budget
//	INDEXD_VECTOR_STORE_QDRANT_API_KEY        -> vector_store.qdrant.api_key
//	INDEXD_CONTENT_TYPES_POST_CHUNKING_STRATEGY -> content_types.post.chunking_strategy
//	INDEXD_CONTENT_TYPES_POST_CHUNKING_SETTINGS_CHUNK_SIZE
//	                                          -> content_types.post.chunking_settings.chunk_size
func envKey(s string) string {
	rest := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))

	section := ""
	for _, cs := range compoundSections {
		if strings.HasPrefix(rest, cs+"_") {
			section = cs
			break
		}
	}
	if section == "" {
		parts := strings.SplitN(rest, "_", 2)
		if len(parts) == 1 {
			return rest
		}
		section = parts[0]
	}
	field := strings.TrimPrefix(rest, section+"_")

	if section == "content_types" {
		parts := strings.SplitN(field, "_", 2)
		if len(parts) == 1 {
			return section + "." + field
		}
		name, attr := parts[0], parts[1]
		if sub, ok := strings.CutPrefix(attr, "chunking_settings_"); ok {
			return section + "." + name + ".chunking_settings." + sub
		}
		return section + "." + name + "." + attr
	}

	for _, sub := range subsections[section] {
		if strings.HasPrefix(field, sub+"_") {
			return section + "." + sub + "." + strings.TrimPrefix(field, sub+"_")
		}
	}

	return section + "." + field
}
