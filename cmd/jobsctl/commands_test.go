package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	api "creative-job-scheduler/internal/api"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("APP_ENV", "test")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("HANDOFF_BACKEND", "local")
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--store", "memory"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusOnEmptyStore(t *testing.T) {
	out, err := run(t, "status")
	require.NoError(t, err)
	var res struct {
		Stats struct {
			Total int `json:"total"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Zero(t, res.Stats.Total)
}

func TestWorkWithNothingPending(t *testing.T) {
	out, err := run(t, "work", "--count", "3")
	require.NoError(t, err)
	require.Contains(t, out, `"processed": 0`)

	_, err = run(t, "work", "--count", "0")
	require.Error(t, err)
}

func TestTickWithNothingPending(t *testing.T) {
	out, err := run(t, "tick")
	require.NoError(t, err)
	require.Contains(t, out, "no pending jobs")
}

func TestGetMissingJob(t *testing.T) {
	_, err := run(t, "get", "does-not-exist")
	require.ErrorContains(t, err, "not found")
}

func TestTokenSignsVerifiableJWT(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "cli-secret")
	out, err := run(t, "token", "user-42")
	require.NoError(t, err)
	tok := strings.TrimSpace(out)
	require.Len(t, strings.Split(tok, "."), 3)

	again, err := api.SignUserToken("cli-secret", "user-42", 0)
	require.NoError(t, err)
	require.NotEmpty(t, again)
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	_, err := run(t, "token", "user-42")
	require.Error(t, err)
}

func TestRejectsUnknownStore(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--store", "floppy", "status"})
	require.Error(t, cmd.ExecuteContext(context.Background()))
}
