// Package credentials resolves the long-lived API keys of the upstream
// provider families. A key comes from the process environment when set and
// otherwise from SSM Parameter Store. A missing key is only reported when a
// provider call asks for it, never at startup.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// fetchTimeout bounds one SSM read. The read is detached from the caller's
// context so a cancelled request does not fail it for later requests.
const fetchTimeout = 5 * time.Second

// ErrMissing is returned when no source holds the key.
var ErrMissing = errors.New("credentials: api key is not configured")

// TokenGetter is satisfied by *paramstore.Client.
type TokenGetter interface {
	Token(ctx context.Context, name string) (string, error)
}

// Key is one provider credential.
type Key struct {
	name   string
	env    string
	param  string
	getter TokenGetter

	mu      sync.Mutex
	fetched string
}

// NewKey reads envVar once, now. param and getter are optional; when both
// are set the parameter is read on the first APIKey call that finds no
// environment value. A successful read is reused for the process lifetime;
// a failed one is retried on the next call.
func NewKey(name, envVar, param string, getter TokenGetter) *Key {
	return &Key{
		name:   name,
		env:    strings.TrimSpace(os.Getenv(envVar)),
		param:  strings.TrimSpace(param),
		getter: getter,
	}
}

func (k *Key) Name() string {
	return k.name
}

// Configured reports whether some source is set up for this key. It does
// not contact SSM.
func (k *Key) Configured() bool {
	return k.env != "" || (k.param != "" && k.getter != nil)
}

func (k *Key) APIKey(ctx context.Context) (string, error) {
	if k.env != "" {
		return k.env, nil
	}
	if k.param == "" || k.getter == nil {
		return "", fmt.Errorf("%w: %s", ErrMissing, k.name)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fetched != "" {
		return k.fetched, nil
	}
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
	defer cancel()
	token, err := k.getter.Token(fetchCtx, k.param)
	if err != nil {
		return "", fmt.Errorf("credentials: fetch %s key: %w", k.name, err)
	}
	k.fetched = token
	return token, nil
}

// Static is a fixed key, used for tests and local tooling.
type Static string

func (s Static) APIKey(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrMissing
	}
	return string(s), nil
}
