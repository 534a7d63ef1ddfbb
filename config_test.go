package oauth

import "testing"

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.AuthorizationPath != DefaultAuthorizationPath {
		t.Errorf("AuthorizationPath = %q", cfg.AuthorizationPath)
	}
	if cfg.CallbackPath != DefaultCallbackPath {
		t.Errorf("CallbackPath = %q", cfg.CallbackPath)
	}
	if cfg.TokenPath != DefaultTokenPath {
		t.Errorf("TokenPath = %q", cfg.TokenPath)
	}
	if cfg.UserInfoPath != DefaultUserInfoPath {
		t.Errorf("UserInfoPath = %q", cfg.UserInfoPath)
	}
	if cfg.EndSessionPath != DefaultEndSessionPath {
		t.Errorf("EndSessionPath = %q", cfg.EndSessionPath)
	}
	if cfg.JWKSPath != DefaultJWKSPath {
		t.Errorf("JWKSPath = %q", cfg.JWKSPath)
	}
	if cfg.RateLimit.Rate != DefaultRateLimit || cfg.RateLimit.Burst != DefaultRateLimitBurst {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.MaxEntries != DefaultRateLimitMaxEntries {
		t.Errorf("RateLimit.MaxEntries = %d", cfg.RateLimit.MaxEntries)
	}
	if cfg.MaxRequestBodyBytes != DefaultMaxRequestBodyBytes {
		t.Errorf("MaxRequestBodyBytes = %d", cfg.MaxRequestBodyBytes)
	}
	if cfg.DiscoveryCacheMaxAge != DefaultDiscoveryCacheMaxAge {
		t.Errorf("DiscoveryCacheMaxAge = %d", cfg.DiscoveryCacheMaxAge)
	}
}

func TestConfig_ApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		TokenPath:            "/token",
		RateLimit:            RateLimitConfig{Rate: -1, Burst: 5},
		MaxRequestBodyBytes:  1024,
		DiscoveryCacheMaxAge: 60,
	}
	cfg.applyDefaults()

	if cfg.TokenPath != "/token" {
		t.Errorf("TokenPath = %q, want /token", cfg.TokenPath)
	}
	if cfg.RateLimit.Rate != -1 || cfg.RateLimit.Burst != 5 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.MaxRequestBodyBytes != 1024 {
		t.Errorf("MaxRequestBodyBytes = %d", cfg.MaxRequestBodyBytes)
	}
	if cfg.DiscoveryCacheMaxAge != 60 {
		t.Errorf("DiscoveryCacheMaxAge = %d", cfg.DiscoveryCacheMaxAge)
	}
}
