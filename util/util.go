package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Errors accumulates multiple errors, typically configuration problems that
// should all be reported at once.
type Errors []error

func (e Errors) Error() string {
	messages := make([]string, 0, len(e))
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "\n")
}

// RequireEnv returns the value of the environment variable varName. If it is
// unset or empty, an error is appended to errs.
func RequireEnv(varName string, errs *Errors) string {
	value := os.Getenv(varName)
	if value == "" {
		*errs = append(*errs, fmt.Errorf("environment variable %s must be set", varName))
	}
	return value
}

// GetEnvOrDefault returns the environment variable varName, or defaultValue if
// it is unset.
func GetEnvOrDefault(varName string, defaultValue string) string {
	value := os.Getenv(varName)
	if len(value) == 0 {
		return defaultValue
	}
	return value
}

// EnvDays reads varName as a whole number of days. Unset yields defaultDays.
func EnvDays(varName string, defaultDays int, errs *Errors) time.Duration {
	raw := os.Getenv(varName)
	if raw == "" {
		return time.Duration(defaultDays) * 24 * time.Hour
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 {
		*errs = append(*errs, fmt.Errorf("environment variable %s must be a positive number of days, was %q", varName, raw))
		return time.Duration(defaultDays) * 24 * time.Hour
	}
	return time.Duration(days) * 24 * time.Hour
}

// EnvBool reads varName as a boolean. Unparseable or unset values yield
// defaultValue.
func EnvBool(varName string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(varName))
	if err != nil {
		return defaultValue
	}
	return b
}

// ValidPort checks that port is numeric and returns it in ":port" form,
// ready for http.Server.Addr.
func ValidPort(port string) (string, error) {
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("given portstring %s is invalid", port)
	}
	return fmt.Sprintf(":%s", port), nil
}
