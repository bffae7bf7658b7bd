// Package credential implements the credential-lookup source the core
// treats as an external collaborator (spec §1's out-of-scope "encrypted
// credential store"): handlers ask it for a per-platform secret and never
// see how or where it's stored.
package credential

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Source resolves a platform id to the secret a handler should inject into
// its outgoing requests (an API token, a session cookie, a bearer header).
type Source interface {
	Lookup(platformID string) (secret string, ok bool)
}

// EnvSource is the default Source: it reads GALION_CREDENTIAL_<PLATFORM>
// environment variables. This is the zero-infrastructure implementation a
// deployment uses until it points credential_store_endpoint at a real
// secrets service.
type EnvSource struct{}

func NewEnvSource() EnvSource { return EnvSource{} }

func (EnvSource) Lookup(platformID string) (string, bool) {
	key := "GALION_CREDENTIAL_" + strings.ToUpper(strings.ReplaceAll(platformID, "-", "_"))
	v := os.Getenv(key)
	if v == "" {
		return "", false
	}
	return v, true
}

// RemoteSource looks credentials up from an external credential store over
// HTTP, per the configured credential_store_endpoint. The wire contract is
// deliberately minimal: GET <endpoint>/<platformID> returning the raw
// secret as the response body, a non-200 status meaning "no credential
// configured".
type RemoteSource struct {
	endpoint string
	client   *http.Client
}

func NewRemoteSource(endpoint string) *RemoteSource {
	return &RemoteSource{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *RemoteSource) Lookup(platformID string) (string, bool) {
	if r.endpoint == "" {
		return "", false
	}

	resp, err := r.client.Get(r.endpoint + "/" + platformID)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil || len(body) == 0 {
		return "", false
	}
	return strings.TrimSpace(string(body)), true
}
