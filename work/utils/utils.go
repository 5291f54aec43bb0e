package utils

import (
	"fmt"
	"net/url"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(obfuscate bool, rawURL string) string {
	if obfuscate {
		return ObfuscateURL(rawURL)
	}
	return rawURL
}

// ObfuscateURL strips path, query and fragment from a URL so provider
// credentials embedded in stream URLs never reach the logs.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		// If parsing fails, just obfuscate the whole thing
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// FormatBytes renders a byte count in human readable form
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
