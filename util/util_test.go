package util

import (
	"os"
	"testing"
	"time"
)

func TestInvalidPort(t *testing.T) {
	portString, err := ValidPort("8000")
	if err != nil {
		t.Fatalf("Should not have errored on valid string: %v", err)
	}
	if portString != ":8000" {
		t.Fatalf("Expected portstring be :8000 instead of %s", portString)
	}
	portString, err = ValidPort("80a")
	if err == nil {
		t.Fatalf("Expected error on invalid port")
	}
}

func TestRequireEnvCollectsErrors(t *testing.T) {
	os.Unsetenv("UTIL_TEST_MISSING_A")
	os.Unsetenv("UTIL_TEST_MISSING_B")
	varErrs := Errors{}
	RequireEnv("UTIL_TEST_MISSING_A", &varErrs)
	RequireEnv("UTIL_TEST_MISSING_B", &varErrs)
	if len(varErrs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(varErrs))
	}
	os.Setenv("UTIL_TEST_PRESENT", "yes")
	defer os.Unsetenv("UTIL_TEST_PRESENT")
	if value := RequireEnv("UTIL_TEST_PRESENT", &varErrs); value != "yes" {
		t.Errorf("expected yes, got %s", value)
	}
	if len(varErrs) != 2 {
		t.Errorf("set variable should not add an error")
	}
}

func TestEnvDays(t *testing.T) {
	varErrs := Errors{}
	os.Unsetenv("UTIL_TEST_DAYS")
	if d := EnvDays("UTIL_TEST_DAYS", 60, &varErrs); d != 60*24*time.Hour {
		t.Errorf("default should be 60 days, got %v", d)
	}
	os.Setenv("UTIL_TEST_DAYS", "7")
	defer os.Unsetenv("UTIL_TEST_DAYS")
	if d := EnvDays("UTIL_TEST_DAYS", 60, &varErrs); d != 7*24*time.Hour {
		t.Errorf("expected 7 days, got %v", d)
	}
	os.Setenv("UTIL_TEST_DAYS", "-1")
	EnvDays("UTIL_TEST_DAYS", 60, &varErrs)
	if len(varErrs) != 1 {
		t.Errorf("negative day count should be rejected")
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("UTIL_TEST_BOOL", "")
	if !EnvBool("UTIL_TEST_BOOL", true) {
		t.Error("unset should yield the default")
	}
	t.Setenv("UTIL_TEST_BOOL", "false")
	if EnvBool("UTIL_TEST_BOOL", true) {
		t.Error("false should be parsed")
	}
	t.Setenv("UTIL_TEST_BOOL", "maybe")
	if EnvBool("UTIL_TEST_BOOL", false) {
		t.Error("unparseable should yield the default")
	}
}
