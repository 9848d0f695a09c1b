package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseAllowedIPs(t *testing.T) {
	t.Run("empty means allow-all", func(t *testing.T) {
		nets, err := ParseAllowedIPs("")
		if err != nil {
			t.Fatalf("ParseAllowedIPs(\"\") error: %v", err)
		}
		if nets != nil {
			t.Errorf("got %v, want nil", nets)
		}
	})

	t.Run("mixed entries", func(t *testing.T) {
		nets, err := ParseAllowedIPs("10.0.0.1, 192.168.0.0/24, ::1")
		if err != nil {
			t.Fatalf("ParseAllowedIPs() error: %v", err)
		}
		if len(nets) != 3 {
			t.Errorf("got %d networks, want 3", len(nets))
		}
	})

	t.Run("invalid entries", func(t *testing.T) {
		for _, bad := range []string{"not-an-ip", "10.0.0.0/99", "10.0.0.1,zzz"} {
			if _, err := ParseAllowedIPs(bad); err == nil {
				t.Errorf("ParseAllowedIPs(%q) = nil error, want error", bad)
			}
		}
	})
}

func TestRestrictIPs(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	serve := func(t *testing.T, allowList, remoteAddr string) int {
		t.Helper()
		mw, err := RestrictIPs(allowList)
		if err != nil {
			t.Fatalf("RestrictIPs(%q) error: %v", allowList, err)
		}
		req := httptest.NewRequest("GET", "/ws", nil)
		req.RemoteAddr = remoteAddr
		w := httptest.NewRecorder()
		mw(next).ServeHTTP(w, req)
		return w.Code
	}

	cases := []struct {
		name       string
		allowList  string
		remoteAddr string
		want       int
	}{
		{"empty list allows all", "", "203.0.113.9:1234", http.StatusNoContent},
		{"exact IP allowed", "10.0.0.1", "10.0.0.1:5555", http.StatusNoContent},
		{"IP outside list blocked", "10.0.0.1", "10.0.0.2:5555", http.StatusForbidden},
		{"CIDR match allowed", "192.168.0.0/24", "192.168.0.77:9000", http.StatusNoContent},
		{"CIDR miss blocked", "192.168.0.0/24", "192.168.1.77:9000", http.StatusForbidden},
		{"no port still parsed", "10.0.0.1", "10.0.0.1", http.StatusNoContent},
		{"garbage source blocked", "10.0.0.1", "???", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := serve(t, tc.allowList, tc.remoteAddr); got != tc.want {
				t.Errorf("status = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRestrictIPs_InvalidList(t *testing.T) {
	if _, err := RestrictIPs("bogus"); err == nil {
		t.Error("RestrictIPs should reject an invalid allow list")
	}
}
