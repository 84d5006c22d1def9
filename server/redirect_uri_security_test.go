package server

import "testing"

func TestValidateRedirectTarget(t *testing.T) {
	tests := []struct {
		uri     string
		wantErr bool
	}{
		{uri: "https://app.example.com/callback"},
		{uri: "https://app.example.com/callback?tenant=a"},
		{uri: "http://localhost:8080/callback"},
		{uri: "com.example.app:/oauth2redirect"},
		{uri: "/callback", wantErr: true},
		{uri: "https:///callback", wantErr: true},
		{uri: "https://app.example.com/callback#token", wantErr: true},
		{uri: "https://app.example.com/callback#", wantErr: true},
		{uri: "javascript:alert(1)", wantErr: true},
		{uri: "JavaScript:alert(1)", wantErr: true},
		{uri: "data:text/html,hi", wantErr: true},
		{uri: "file:///etc/passwd", wantErr: true},
		{uri: "https://app.example.com/%zz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			err := validateRedirectTarget(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectTarget(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}
