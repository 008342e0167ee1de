package gateway

import (
	"errors"
	"testing"
)

func TestNewRedisQueueRequiresAddr(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisQueue(RedisQueueConfig{}); err == nil {
		t.Fatal("expected error without an address")
	}
	if _, err := NewRedisQueue(RedisQueueConfig{Addrs: []string{"  ", ""}}); err == nil {
		t.Fatal("expected error when all addresses are blank")
	}
}

func TestRedisPayloadExtraction(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		values map[string]interface{}
		want   string
	}{
		{"string value", map[string]interface{}{"payload": `{"a":1}`}, `{"a":1}`},
		{"bytes value", map[string]interface{}{"payload": []byte("raw")}, "raw"},
		{"case-insensitive key", map[string]interface{}{"Payload": "x"}, "x"},
		{"missing key", map[string]interface{}{"other": "x"}, ""},
		{"unsupported type", map[string]interface{}{"payload": 42}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := string(redisPayload(tc.values)); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsBusyGroup(t *testing.T) {
	t.Parallel()

	if !isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Fatal("expected busygroup errors to be recognised")
	}
	if isBusyGroup(errors.New("connection refused")) || isBusyGroup(nil) {
		t.Fatal("unexpected busygroup classification")
	}
}

func TestBuildRedisTLS(t *testing.T) {
	t.Parallel()

	cfg, err := buildRedisTLS(RedisTLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("empty config should yield no TLS, got %v / %v", cfg, err)
	}

	cfg, err = buildRedisTLS(RedisTLSConfig{InsecureSkipVerify: true, ServerName: "cache.internal"})
	if err != nil {
		t.Fatalf("buildRedisTLS: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify || cfg.ServerName != "cache.internal" {
		t.Fatalf("unexpected TLS config %+v", cfg)
	}

	if _, err := buildRedisTLS(RedisTLSConfig{CAFile: "/does/not/exist.pem"}); err == nil {
		t.Fatal("expected error for missing CA file")
	}
}
