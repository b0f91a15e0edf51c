package httputil

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expectedIP string
	}{
		{
			name:       "direct IPv4 peer",
			remoteAddr: "203.0.113.5:51234",
			expectedIP: "203.0.113.5",
		},
		{
			name:       "direct IPv6 peer",
			remoteAddr: "[2001:db8::1]:8085",
			expectedIP: "2001:db8::1",
		},
		{
			name:       "forwarded header ignored from remote peer",
			remoteAddr: "198.51.100.7:4000",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.1"},
			expectedIP: "198.51.100.7",
		},
		{
			name:       "local proxy forwards chain, first entry wins",
			remoteAddr: "127.0.0.1:4000",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.7, 203.0.113.9"},
			expectedIP: "198.51.100.7",
		},
		{
			name:       "local IPv6 proxy with bracketed forwarded address",
			remoteAddr: "[::1]:4000",
			headers:    map[string]string{"X-Forwarded-For": "[2001:db8::2]"},
			expectedIP: "2001:db8::2",
		},
		{
			name:       "local proxy with X-Real-IP",
			remoteAddr: "127.0.0.1:4000",
			headers:    map[string]string{"X-Real-IP": "192.0.2.44"},
			expectedIP: "192.0.2.44",
		},
		{
			name:       "local proxy with empty forwarded entry falls back to peer",
			remoteAddr: "127.0.0.1:4000",
			headers:    map[string]string{"X-Forwarded-For": " , 203.0.113.9"},
			expectedIP: "127.0.0.1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.0.2.10",
			expectedIP: "192.0.2.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := http.NewRequest(http.MethodGet, "http://localhost:8085/v1/status", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			assert.Equal(t, tt.expectedIP, ClientIP(r))
		})
	}
}
