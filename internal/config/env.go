package config

import (
	"os"
	"strconv"
	"strings"

	"qbridge/internal/pkg/errors"
)

// Env returns the trimmed value of k, or def when it is unset or blank.
func Env(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func envString(k string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		*dst = v
	}
}

func envInt(k string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.ValidationField(k, "not an integer").WithField("value", v)
	}
	*dst = n
	return nil
}

// envCSV splits a comma separated variable, dropping blank entries.
func envCSV(k string, dst *[]string) {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return
	}
	out := splitCSV(raw)
	if len(out) > 0 {
		*dst = out
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
