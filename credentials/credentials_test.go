package credentials

import (
	"errors"
	"testing"
)

func TestCheck(t *testing.T) {
	defer func(s, p string) { ssid, pass = s, p }(ssid, pass)

	tests := []struct {
		name     string
		ssid     string
		pass     string
		wantSSID string
		wantPass string
		wantErr  error
	}{
		{"empty", "", "", "", "", ErrNoSSID},
		{"whitespace only", " \n", "", "", "", ErrNoSSID},
		{"trailing newline", "home-net\n", "s3cret \n", "home-net", "s3cret ", nil},
		{"open network", "cafe", "", "cafe", "", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ssid, pass = tc.ssid, tc.pass
			if err := Check(); !errors.Is(err, tc.wantErr) {
				t.Errorf("Check() = %v, want %v", err, tc.wantErr)
			}
			if SSID() != tc.wantSSID || Password() != tc.wantPass {
				t.Errorf("got %q/%q, want %q/%q", SSID(), Password(), tc.wantSSID, tc.wantPass)
			}
		})
	}
}
