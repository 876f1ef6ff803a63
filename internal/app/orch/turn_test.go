package orch

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintTurnCredentialsFormat(t *testing.T) {
	cfg := TurnConfig{Secret: "s3cret", URLs: []string{"turn:turn.veltchat.io:3478"}, TTL: 86400 * time.Second}
	now := time.Unix(1700000000, 0)

	creds := cfg.MintTurnCredentials("u1", now)
	assert.Equal(t, fmt.Sprintf("%d:u1", now.Unix()+86400), creds.Username)

	h := hmac.New(sha1.New, []byte("s3cret"))
	h.Write([]byte(creds.Username))
	assert.Equal(t, base64.StdEncoding.EncodeToString(h.Sum(nil)), creds.Credential)
	assert.Equal(t, int64(86400), creds.TTL)
	require.Len(t, creds.URLs, 1)
}

func TestMintTurnCredentialsDeterministic(t *testing.T) {
	cfg := TurnConfig{Secret: "s3cret", TTL: time.Hour}
	now := time.Unix(1700000000, 0)

	a := cfg.MintTurnCredentials("u1", now)
	b := cfg.MintTurnCredentials("u1", now)
	assert.Equal(t, a, b)
}

func TestMintTurnCredentialsSecretChangesOnlyCredential(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := TurnConfig{Secret: "one", TTL: time.Hour}.MintTurnCredentials("u1", now)
	b := TurnConfig{Secret: "two", TTL: time.Hour}.MintTurnCredentials("u1", now)

	assert.Equal(t, a.Username, b.Username)
	assert.NotEqual(t, a.Credential, b.Credential)
}

func TestMintTurnCredentialsDefaultTTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	creds := TurnConfig{Secret: "s"}.MintTurnCredentials("u1", now)
	assert.Equal(t, fmt.Sprintf("%d:u1", now.Unix()+86400), creds.Username)
}
