package config

// RedactedConfig returns a copy of the config with secret values replaced by
// "***", suitable for logging at startup.
func RedactedConfig(cfg Config) Config {
	out := cfg

	out.Engine.Assets = append([]string(nil), cfg.Engine.Assets...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)

	redact(&out.Oracle.SignerKey)
	redact(&out.Oracle.KeyPassword)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.WebhookSecret)

	return out
}

func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
