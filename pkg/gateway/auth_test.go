package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorize(t *testing.T) {
	const secret = "hunter2-shared-secret"

	tests := []struct {
		name   string
		target string
		header string
		want   bool
	}{
		{
			name:   "bearer header",
			target: "/ws",
			header: "Bearer " + secret,
			want:   true,
		},
		{
			name:   "bearer scheme is case insensitive",
			target: "/ws",
			header: "bearer " + secret,
			want:   true,
		},
		{
			name:   "token query parameter",
			target: "/ws?token=" + secret,
			want:   true,
		},
		{
			name:   "header wins over query",
			target: "/ws?token=wrong",
			header: "Bearer wrong",
			want:   false,
		},
		{
			name:   "wrong secret",
			target: "/ws",
			header: "Bearer not-the-secret",
			want:   false,
		},
		{
			name:   "missing credentials",
			target: "/ws",
			want:   false,
		},
		{
			name:   "basic scheme rejected",
			target: "/ws",
			header: "Basic aHVudGVyMjpodW50ZXIy",
			want:   false,
		},
		{
			name:   "empty bearer token",
			target: "/ws",
			header: "Bearer ",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, authorize(r, secret))
		})
	}
}

func TestAuthorizeRejectsEverythingWithoutConfiguredSecret(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=anything", nil)
	assert.False(t, authorize(r, ""))
}
