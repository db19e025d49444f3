package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
)

const (
	// RecommendedSecretLength is the length below which a webhook secret is
	// reported as weak. Shorter secrets still verify.
	RecommendedSecretLength = 32

	// MinEntropy is the Shannon entropy below which a secret is reported as weak.
	MinEntropy = 3.5

	// generatedSecretBytes encodes to 48 base64 characters.
	generatedSecretBytes = 36
)

var placeholderSecrets = []string{
	"replace",
	"changeme",
	"topsecret",
	"password",
	"github-webhook",
}

// SecretWarnings describes the ways a webhook secret is weak.
// An empty result means no weakness was found. The secret itself never
// appears in the returned messages.
func SecretWarnings(secret string) []string {
	if secret == "" {
		return []string{"no webhook secret configured; every delivery will be rejected"}
	}

	var warnings []string

	if len(secret) < RecommendedSecretLength {
		warnings = append(warnings, fmt.Sprintf("secret is shorter than %d characters (%d)", RecommendedSecretLength, len(secret)))
	}

	lower := strings.ToLower(secret)
	for _, p := range placeholderSecrets {
		if strings.Contains(lower, p) {
			warnings = append(warnings, "secret appears to be a placeholder value")
			break
		}
	}

	if len(strings.Trim(secret, secret[:1])) == 0 {
		warnings = append(warnings, "secret repeats a single character")
	} else if isSequential(secret) {
		warnings = append(warnings, "secret is mostly sequential characters")
	}

	if entropy := calculateEntropy(secret); entropy < MinEntropy {
		warnings = append(warnings, fmt.Sprintf("secret has low entropy (%.2f < %.2f)", entropy, MinEntropy))
	}

	return warnings
}

// GenerateSecret creates a cryptographically secure random secret.
// Returns a 48-character URL-safe base64 string.
func GenerateSecret() (string, error) {
	b := make([]byte, generatedSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// calculateEntropy computes the Shannon entropy of a string.
// Returns a value between 0 (completely predictable) and ~8 (maximum entropy for byte strings).
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	// H = -Σ(p(x) * log2(p(x)))
	var entropy float64
	length := float64(len(s))

	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}

	return entropy
}

// isSequential checks if a string consists of sequential characters.
func isSequential(s string) bool {
	if len(s) < 4 {
		return false
	}

	sequential := 0
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1]+1 || s[i] == s[i-1]-1 {
			sequential++
		}
	}

	// More than 70% sequential counts as weak
	return float64(sequential) > float64(len(s))*0.7
}
