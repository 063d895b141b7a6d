package logger

import (
	"net/url"
	"strings"
)

// DefaultMaskValue replaces sensitive values in log output.
const DefaultMaskValue = "***"

// FilterConfig lists the field names whose values never reach the log output.
type FilterConfig struct {
	// SensitiveFields are matched case-insensitively as substrings of the field key.
	SensitiveFields []string
	MaskValue       string
}

// DefaultFilterConfig masks credentials and broker URLs.
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		SensitiveFields: []string{
			"password", "passwd", "secret",
			"token", "api_key", "authorization",
			"credential", "broker_url",
		},
		MaskValue: DefaultMaskValue,
	}
}

// SensitiveDataFilter masks values of sensitive keys. URLs keep their structure and only
// lose the password.
type SensitiveDataFilter struct {
	config *FilterConfig
}

// NewSensitiveDataFilter builds a filter; nil config means DefaultFilterConfig.
func NewSensitiveDataFilter(config *FilterConfig) *SensitiveDataFilter {
	if config == nil {
		config = DefaultFilterConfig()
	}
	if config.MaskValue == "" {
		config.MaskValue = DefaultMaskValue
	}
	return &SensitiveDataFilter{config: config}
}

// FilterString masks value when key is sensitive.
func (f *SensitiveDataFilter) FilterString(key, value string) string {
	if !f.isSensitive(key) || value == "" {
		return value
	}
	if masked, ok := f.maskURL(value); ok {
		return masked
	}
	return f.config.MaskValue
}

// FilterValue masks value when key is sensitive. Nested maps are filtered key by key.
func (f *SensitiveDataFilter) FilterValue(key string, value any) any {
	switch v := value.(type) {
	case string:
		return f.FilterString(key, v)
	case map[string]any:
		return f.FilterFields(v)
	}
	if f.isSensitive(key) && value != nil {
		return f.config.MaskValue
	}
	return value
}

// FilterFields returns a copy of fields with sensitive values masked.
func (f *SensitiveDataFilter) FilterFields(fields map[string]any) map[string]any {
	filtered := make(map[string]any, len(fields))
	for k, v := range fields {
		filtered[k] = f.FilterValue(k, v)
	}
	return filtered
}

func (f *SensitiveDataFilter) isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range f.config.SensitiveFields {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func (f *SensitiveDataFilter) maskURL(value string) (string, bool) {
	if !strings.Contains(value, "://") {
		return "", false
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.User == nil {
		return value, true
	}

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.User.Username())
	if _, hasPassword := u.User.Password(); hasPassword {
		b.WriteString(":")
		b.WriteString(f.config.MaskValue)
	}
	b.WriteString("@")
	b.WriteString(u.Host)
	b.WriteString(u.EscapedPath())
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	return b.String(), true
}
