package mcphost

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// DefaultSettingsPath is the conventional location of the MCP server
// configuration file, relative to the working directory.
const DefaultSettingsPath = "data/.mcp_server_settings.json"

// ServerConfig describes one external MCP server. Exactly one of Command or
// URL must be set: Command selects the stdio transport, URL selects SSE or
// streamable HTTP depending on Transport.
type ServerConfig struct {
	// Command is the executable to spawn for stdio servers.
	Command string `json:"command"`

	// Args are passed to Command.
	Args []string `json:"args"`

	// Env is merged into the spawned process environment.
	Env map[string]string `json:"env"`

	// URL is the endpoint for SSE or streamable-HTTP servers.
	URL string `json:"url"`

	// Headers are sent with every HTTP request to URL.
	Headers map[string]string `json:"headers"`

	// Transport selects the HTTP flavour: "sse" (default), "streamable-http",
	// or "http" (alias for streamable-http).
	Transport string `json:"transport"`

	// APIAccessToken is the legacy auth field. When set it is promoted to an
	// Authorization: Bearer header and a deprecation warning is logged.
	APIAccessToken string `json:"API_ACCESS_TOKEN"`
}

// settingsFile is the top-level shape of .mcp_server_settings.json.
type settingsFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadSettings reads the MCP server configuration from path. A missing file
// is not an error; it yields an empty map (the gateway simply runs without
// server MCP tools).
func LoadSettings(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("mcp server settings file not found, continuing without server MCP tools", "path", path)
			return map[string]ServerConfig{}, nil
		}
		return nil, fmt.Errorf("mcp host: read settings %s: %w", path, err)
	}

	var f settingsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("mcp host: parse settings %s: %w", path, err)
	}

	servers := make(map[string]ServerConfig, len(f.MCPServers))
	for name, cfg := range f.MCPServers {
		servers[name] = normalizeConfig(name, cfg)
	}
	return servers, nil
}

// normalizeConfig applies the legacy API_ACCESS_TOKEN promotion.
func normalizeConfig(name string, cfg ServerConfig) ServerConfig {
	if cfg.APIAccessToken != "" {
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string)
		}
		if _, has := cfg.Headers["Authorization"]; !has {
			cfg.Headers["Authorization"] = "Bearer " + cfg.APIAccessToken
		}
		slog.Warn("API_ACCESS_TOKEN is deprecated; set an Authorization header in .mcp_server_settings.json instead",
			"server", name)
	}
	return cfg
}

// validate reports whether the config can produce a transport.
func (c ServerConfig) validate(name string) error {
	if c.Command == "" && c.URL == "" {
		return fmt.Errorf("mcp host: server %q must set either command or url", name)
	}
	return nil
}
