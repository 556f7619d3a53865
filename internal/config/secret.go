package config

// Secret is a string type that redacts itself whenever it is printed,
// logged, or marshaled — used for webhook URLs and bot tokens in NotifyConfig.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString redacts %#v formatting too.
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// MarshalJSON ensures secrets are redacted when marshaled to JSON.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// MarshalYAML ensures secrets are redacted when marshaled back to YAML
// (Config.String() round-trips through yaml.Marshal for diagnostics).
func (s Secret) MarshalYAML() (interface{}, error) {
	return "[REDACTED]", nil
}

// Reveal returns the underlying value for use by the one caller that
// actually needs it (constructing the outbound HTTP request).
func (s Secret) Reveal() string {
	return string(s)
}
