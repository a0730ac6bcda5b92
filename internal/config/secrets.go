package config

// Redacted returns a copy of c with sensitive fields replaced by the
// redaction placeholder "***". Use it when logging or printing the active
// configuration so secrets are never exposed.
func (c *Config) Redacted() Config {
	out := *c

	if c.Keys != nil {
		out.Keys = make([]KeyConfig, len(c.Keys))
		for i, k := range c.Keys {
			redact(&k.PrivateKey)
			redact(&k.KeyPassword)
			out.Keys[i] = k
		}
	}

	// Chains carry provider API keys in their RPC URLs.
	if c.Chains != nil {
		out.Chains = make([]ChainConfig, len(c.Chains))
		for i, ch := range c.Chains {
			redact(&ch.RPCURL)
			out.Chains[i] = ch
		}
	}

	redact(&out.LiFi.APIKey)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	redact(&out.Metrics.APIKey)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if c.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), c.Notify.Events...)
	}
	if c.Wallets.Addresses != nil {
		out.Wallets.Addresses = append([]string(nil), c.Wallets.Addresses...)
	}
	return out
}

// redact replaces a non-empty string with "***".
func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
