package auth

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if called != nil {
			*called = true
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestHTTPMiddlewareDisabled(t *testing.T) {
	called := false
	handler := HTTPMiddleware(ServerConfig{}, okHandler(&called))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queue", nil))
	if !called || rec.Code != http.StatusOK {
		t.Errorf("called = %v, status = %d", called, rec.Code)
	}
}

func TestServerConfigEnabled(t *testing.T) {
	tests := []struct {
		cfg  ServerConfig
		want bool
	}{
		{ServerConfig{}, false},
		{ServerConfig{BearerToken: "t"}, true},
		{ServerConfig{BasicAuthUsername: "u"}, false},
		{ServerConfig{BasicAuthUsername: "u", BasicAuthPassword: "p"}, true},
	}
	for _, tt := range tests {
		if got := tt.cfg.Enabled(); got != tt.want {
			t.Errorf("%+v.Enabled() = %v, want %v", tt.cfg, got, tt.want)
		}
	}
}

func TestHTTPMiddlewareBearerToken(t *testing.T) {
	cfg := ServerConfig{BearerToken: "secret-token"}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer secret-token", http.StatusOK},
		{"wrong token", "Bearer other", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed", "secret-token", http.StatusUnauthorized},
		{"basic instead", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := HTTPMiddleware(cfg, okHandler(&called))
			req := httptest.NewRequest(http.MethodPost, "/v1/queue", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if called != (tt.want == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestHTTPMiddlewareBasicAuth(t *testing.T) {
	cfg := ServerConfig{BasicAuthUsername: "admin", BasicAuthPassword: "s3cret"}

	tests := []struct {
		name       string
		user, pass string
		set        bool
		want       int
	}{
		{"valid", "admin", "s3cret", true, http.StatusOK},
		{"wrong password", "admin", "wrong", true, http.StatusUnauthorized},
		{"wrong user", "root", "s3cret", true, http.StatusUnauthorized},
		{"missing", "", "", false, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HTTPMiddleware(cfg, okHandler(nil))
			req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
			if tt.set {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	HTTPMiddleware(cfg, okHandler(nil)).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bearer header against basic auth = %d", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Basic realm="diskqueue"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}
}

func TestRace_HTTPMiddleware_ConcurrentRequests(t *testing.T) {
	handler := HTTPMiddleware(ServerConfig{BearerToken: "test-token"}, okHandler(nil))

	const goroutines = 8
	const iterations = 200

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
				want := http.StatusOK
				if (g+i)%2 == 0 {
					req.Header.Set("Authorization", "Bearer test-token")
				} else {
					req.Header.Set("Authorization", "Bearer nope")
					want = http.StatusUnauthorized
				}
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
				if rec.Code != want {
					t.Errorf("goroutine %d iteration %d: status = %d, want %d", g, i, rec.Code, want)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}
