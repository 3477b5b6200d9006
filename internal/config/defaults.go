package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Bot: BotConfig{
			Name: "Wendah",
		},
		Discord: DiscordConfig{
			LoginURL:           "https://discord.com/login",
			SessionFile:        "~/.chatrelay/session.json",
			Headless:           true,
			SettleDelaySeconds: 5,
			WaitTimeoutSeconds: 60,
		},
		Relay: RelayConfig{
			QueueSize:             256,
			PublishTimeoutSeconds: 10,
			ParseWorkers:          4,
			MaxChunkLength:        1900,
			PreferredChunkLength:  1800,
			Placeholder:           ".",
		},
		Backend: BackendConfig{
			URL:            "http://127.0.0.1:8000",
			TimeoutSeconds: 60,
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			AllowedOrigins: []string{"http://127.0.0.1:8000"},
			DBPath:         ":memory:",
			Provider:       "openai",
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			Temperature:    0.5,
			HistoryLimit:   40,
			TimeoutSeconds: 120,
		},
	}
}

// Template is the starting config written by "chatrelay init". Credentials
// come from the environment or a .env file.
func Template() *Config {
	cfg := Defaults()
	cfg.Discord.ChannelURL = "${DISCORD_CHANNEL_URL}"
	cfg.Discord.Email = "${DISCORD_EMAIL}"
	cfg.Discord.Password = "${DISCORD_PASSWORD}"
	cfg.Backend.URL = "${CHATRELAY_BACKEND_URL:-http://127.0.0.1:8000}"
	cfg.Server.APIKey = "${OPENAI_API_KEY}"
	return cfg
}
