package secrets

// DefaultRules covers the credential shapes most likely to leak into error
// messages: cloud keys, API tokens, connection strings, and key material.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:      "aws-access-key-id",
			Pattern: `(?i)(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`,
		},
		{
			ID:       "aws-secret-access-key",
			Pattern:  `(?i)(?:aws_secret_access_key|aws_secret_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
			Keywords: []string{"aws", "secret"},
		},
		{
			ID:       "generic-api-key",
			Pattern:  `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`,
			Keywords: []string{"api", "key"},
		},
		{
			ID:       "generic-secret",
			Pattern:  `(?i)(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords: []string{"secret", "password", "passwd", "pwd"},
		},
		{
			ID:      "connection-string-password",
			Pattern: `(?i)[a-z][a-z0-9+.-]*://[^:/\s]+:[^@/\s]+@`,
		},
		{
			ID:      "private-key",
			Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`,
		},
		{
			ID:      "github-token",
			Pattern: `gh[pousr]_[A-Za-z0-9]{36,255}`,
		},
		{
			ID:      "slack-token",
			Pattern: `xox[baprs]-[A-Za-z0-9-]{10,}`,
		},
		{
			ID:      "bearer-token",
			Pattern: `(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`,
		},
		{
			ID:      "jwt",
			Pattern: `eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`,
		},
	}
}
