package model

// Config is decoded from config.yaml at the workspace root.
type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Queue     QueueConfig     `yaml:"queue"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type WorkspaceConfig struct {
	Root     string       `yaml:"root"`
	AutoInit bool         `yaml:"auto_init"`
	Teams    []TeamConfig `yaml:"teams"`
}

type TeamConfig struct {
	Name     string   `yaml:"name"`
	Subteams []string `yaml:"subteams,omitempty"`
}

type QueueConfig struct {
	PollingIntervalMs int `yaml:"polling_interval_ms"`
	MaxRetries        int `yaml:"max_retries"`
	EventBufferSize   int `yaml:"event_buffer_size"`
}

type CleanupConfig struct {
	ArchiveAfterHours int `yaml:"archive_after_hours"`
	PurgeAfterDays    int `yaml:"purge_after_days"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with the standard teams and intervals
// filled in. Used by init when no config.yaml exists yet.
func DefaultConfig(projectName string) Config {
	return Config{
		Project: ProjectConfig{Name: projectName},
		Workspace: WorkspaceConfig{
			AutoInit: true,
			Teams: []TeamConfig{
				{Name: "planning"},
				{Name: "development"},
				{Name: "qa"},
			},
		},
		Queue: QueueConfig{
			PollingIntervalMs: 1000,
			MaxRetries:        DefaultMaxRetries,
			EventBufferSize:   100,
		},
		Cleanup: CleanupConfig{
			ArchiveAfterHours: 24,
			PurgeAfterDays:    30,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ApplyDefaults fills zero-valued fields with usable defaults.
func (c *Config) ApplyDefaults() {
	if c.Queue.PollingIntervalMs <= 0 {
		c.Queue.PollingIntervalMs = 1000
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = DefaultMaxRetries
	}
	if c.Queue.EventBufferSize <= 0 {
		c.Queue.EventBufferSize = 100
	}
	if c.Cleanup.ArchiveAfterHours <= 0 {
		c.Cleanup.ArchiveAfterHours = 24
	}
	if c.Cleanup.PurgeAfterDays <= 0 {
		c.Cleanup.PurgeAfterDays = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// TeamNames returns the configured team names in declaration order.
func (c *Config) TeamNames() []string {
	names := make([]string, 0, len(c.Workspace.Teams))
	for _, t := range c.Workspace.Teams {
		names = append(names, t.Name)
	}
	return names
}
