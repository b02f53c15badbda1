package config

import "os"

// AvailableChannels returns notification channels usable with the current
// config and environment. Used by the doctor command.
func AvailableChannels(cfg Config) []string {
	var channels []string
	if cfg.Channels.Telegram.Enabled && (cfg.Channels.Telegram.Token != "" || os.Getenv("TASKFORGE_TELEGRAM_TOKEN") != "") {
		channels = append(channels, "telegram")
	}
	channels = append(channels, "log")
	return channels
}
