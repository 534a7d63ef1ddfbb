package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		wantKeep bool
	}{
		{name: "no upstream id", incoming: "", wantKeep: false},
		{name: "valid upstream id", incoming: "req-abc_123", wantKeep: true},
		{name: "header injection attempt", incoming: "abc\r\nSet-Cookie: x", wantKeep: false},
		{name: "too long", incoming: strings.Repeat("a", 129), wantKeep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest("GET", "/", nil)
			if tt.incoming != "" {
				r.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if seen == "" {
				t.Fatal("request id missing from context")
			}
			if got := w.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header = %q, context = %q", got, seen)
			}
			if (seen == tt.incoming) != tt.wantKeep {
				t.Errorf("kept upstream id = %v, want %v", seen == tt.incoming, tt.wantKeep)
			}
		})
	}
}
