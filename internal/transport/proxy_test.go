package transport

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvedProxyRequestEnvTakesPrecedence(t *testing.T) {
	t.Setenv("OSG_CURL_PROXY", "env-proxy")
	SetGlobalEnv(Env{ProxyHost: "global-proxy"})
	defer SetGlobalEnv(Env{})

	host, _, _, _ := resolvedProxy(&Env{ProxyHost: "explicit-proxy"})
	assert.Equal(t, "explicit-proxy", host)
}

func TestResolvedProxyGlobalBeatsEnvVar(t *testing.T) {
	t.Setenv("OSG_CURL_PROXY", "env-proxy")
	SetGlobalEnv(Env{ProxyHost: "global-proxy"})
	defer SetGlobalEnv(Env{})

	host, _, _, _ := resolvedProxy(nil)
	assert.Equal(t, "global-proxy", host)
}

func TestResolvedProxyFallsBackToEnvVar(t *testing.T) {
	SetGlobalEnv(Env{})
	t.Setenv("OSG_CURL_PROXY", "env-proxy")
	t.Setenv("OSG_CURL_PROXYPORT", "1234")
	t.Setenv("OSGEARTH_CURL_PROXYAUTH", "bob:secret")

	host, port, user, pass := resolvedProxy(nil)
	assert.Equal(t, "env-proxy", host)
	assert.Equal(t, 1234, port)
	assert.Equal(t, "bob", user)
	assert.Equal(t, "secret", pass)
}

func TestResolvedProxyEmptyWhenUnset(t *testing.T) {
	SetGlobalEnv(Env{})
	os.Unsetenv("OSG_CURL_PROXY")

	host, _, _, _ := resolvedProxy(nil)
	assert.Empty(t, host)
}

func TestResolvedUserAgentDefault(t *testing.T) {
	SetGlobalEnv(Env{})
	os.Unsetenv("OSGEARTH_USERAGENT")
	assert.Equal(t, "osgcore/1.0", resolvedUserAgent(nil))
}

func TestCredentialsForLongestPrefixWins(t *testing.T) {
	env := &Env{CredentialsByPrefix: map[string]Credentials{
		"http://example.com":       {Username: "short"},
		"http://example.com/tiles": {Username: "long"},
	}}
	cred, ok := credentialsFor("http://example.com/tiles/1.png", &Request{}, env)
	assert.True(t, ok)
	assert.Equal(t, "long", cred.Username)
}

func TestCredentialsForExplicitRequestOverride(t *testing.T) {
	req := &Request{Credentials: &Credentials{Username: "explicit"}}
	cred, ok := credentialsFor("http://example.com/x", req, nil)
	assert.True(t, ok)
	assert.Equal(t, "explicit", cred.Username)
}
