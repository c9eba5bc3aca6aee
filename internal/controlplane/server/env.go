package server

import (
	"os"
	"strings"
)

// SecretGetter is the subset of pkg/secretstore used for env overlays.
type SecretGetter interface {
	GetString(key string) (string, bool, error)
}

// EnvLookup reads from OS env first, then from the secret store under env/<KEY>.
func EnvLookup(secrets SecretGetter) func(string) string {
	return func(key string) string {
		key = strings.TrimSpace(key)
		if key == "" {
			return ""
		}
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		if secrets != nil {
			if v, ok, _ := secrets.GetString("env/" + key); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}
}
