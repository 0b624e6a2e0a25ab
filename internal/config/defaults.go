package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.chatsync",
			LogLevel: "info",
		},
		Backend: BackendConfig{
			URL: "wss://localhost:4000/socket",
		},
		Sync: SyncConfig{
			SendRetries:      3,
			SubscribeRetries: 5,
			BackoffBaseMS:    1000,
			BackoffCapMS:     30000,
			QueueDBPath:      "~/.chatsync/outbox.db",
		},
		Presence: PresenceConfig{
			HeartbeatSeconds: 30,
			StaleSeconds:     120,
			JoinRetries:      5,
		},
		Notifications: NotificationsConfig{
			Enabled:   true,
			RulesPath: "~/.chatsync/rules.yaml",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9091,
		},
	}
}
