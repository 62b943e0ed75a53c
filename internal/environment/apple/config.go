package apple

// ProviderConfig holds Apple Container-specific configuration.
type ProviderConfig struct {
	// RuntimeUser overrides the auto-detected UID for exec operations.
	RuntimeUser string
	// RuntimeGroup overrides the auto-detected GID for exec operations.
	RuntimeGroup string
}

// ParseProviderConfig extracts Apple Container settings from a framework's
// [settings] table.
func ParseProviderConfig(settings map[string]string) ProviderConfig {
	return ProviderConfig{
		RuntimeUser:  settings["apple_runtime_user"],
		RuntimeGroup: settings["apple_runtime_group"],
	}
}
