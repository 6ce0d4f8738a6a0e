package hostutil

import (
	"errors"
	"testing"
)

func TestValidateHostPort(t *testing.T) {
	valid := []string{
		"127.0.0.1:5000",
		"sensor.example.com:5000",
		"localhost:1",
		"[::1]:65535",
		"ec2-3-120-1-1.eu-central-1.compute.amazonaws.com:5000",
	}
	for _, addr := range valid {
		if err := ValidateHostPort(addr); err != nil {
			t.Errorf("%s: %v", addr, err)
		}
	}

	invalid := []string{
		"127.0.0.1",
		":5000",
		"256.1.1.1:5000",
		"host:0",
		"host:70000",
		"host:http",
		"-bad.example:5000",
		"bad_host:5000",
	}
	for _, addr := range invalid {
		if err := ValidateHostPort(addr); err == nil {
			t.Errorf("%s: accepted", addr)
		}
	}
}

func TestValidateHostPort_Errors(t *testing.T) {
	if err := ValidateHostPort("10.0.0.1"); !errors.Is(err, ErrMissingPort) {
		t.Errorf("missing port: %v", err)
	}
	if err := ValidateHostPort("10.0.0.1:0"); !errors.Is(err, ErrBadPort) {
		t.Errorf("bad port: %v", err)
	}
}
