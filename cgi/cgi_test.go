package cgi

import (
	"strings"
	"testing"

	"github.com/liso-project/lisod/httpparse"
	"github.com/liso-project/lisod/lisoconfig"
)

func TestBuildEnvOrderAndDerivation(t *testing.T) {
	cfg := &lisoconfig.Config{Port: 9999}
	req := &httpparse.Request{
		Method: "POST",
		URI:    "/cgi/script?a=1&b=2",
		Headers: []httpparse.Header{
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "Host", Value: "example.com"},
			{Name: "User-Agent", Value: "test-agent"},
		},
	}

	env := buildEnv(req, []byte("hello"), "127.0.0.1", 4242, cfg)

	wantPrefixOrder := []string{
		"CONTENT_LENGTH=",
		"CONTENT_TYPE=",
		"GATEWAY_INTERFACE=CGI/1.1",
		"PATH_INFO=",
		"QUERY_STRING=",
		"REMOTE_ADDR=",
		"REQUEST_METHOD=",
		"REQUEST_URI=",
		"SCRIPT_NAME=",
		"SERVER_PORT=",
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_SOFTWARE=liso/1.0",
		"HTTP_ACCEPT=",
		"HTTP_REFERER=",
		"HTTP_ACCEPT_ENCODING=",
		"HTTP_ACCEPT_LANGUAGE=",
		"HTTP_ACCEPT_CHARSET=",
		"HTTP_HOST=",
		"HTTP_COOKIE=",
		"HTTP_USER_AGENT=",
		"HTTP_CONNECTION=",
	}
	if len(env) != len(wantPrefixOrder) {
		t.Fatalf("got %d vars, want %d", len(env), len(wantPrefixOrder))
	}
	for i, prefix := range wantPrefixOrder {
		if !strings.HasPrefix(env[i], prefix) {
			t.Errorf("env[%d] = %q, want prefix %q", i, env[i], prefix)
		}
	}

	byName := make(map[string]string)
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		byName[parts[0]] = parts[1]
	}

	if got := byName["QUERY_STRING"]; got != "a=1&b=2" {
		t.Errorf("QUERY_STRING = %q", got)
	}
	if got := byName["SCRIPT_NAME"]; got != "/cgi/script" {
		t.Errorf("SCRIPT_NAME = %q", got)
	}
	if got := byName["PATH_INFO"]; got != "/script" {
		t.Errorf("PATH_INFO = %q", got)
	}
	if got := byName["CONTENT_LENGTH"]; got != "5" {
		t.Errorf("CONTENT_LENGTH = %q, want body length 5", got)
	}
	if got := byName["HTTP_HOST"]; got != "example.com" {
		t.Errorf("HTTP_HOST = %q", got)
	}
}

func TestBuildEnvEmptyForAbsentHeaders(t *testing.T) {
	cfg := &lisoconfig.Config{Port: 80}
	req := &httpparse.Request{Method: "GET", URI: "/cgi/x"}

	env := buildEnv(req, nil, "10.0.0.1", 1, cfg)
	for _, kv := range env {
		if strings.HasPrefix(kv, "HTTP_") {
			if !strings.HasSuffix(kv, "=") {
				t.Errorf("expected empty value for %q when header absent", kv)
			}
		}
	}
}
