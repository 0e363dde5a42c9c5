package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkage/internal/contact/models"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLIRoundTrip(t *testing.T) {
	url := "sqlite://" + filepath.Join(t.TempDir(), "contacts.db")

	out, err := runCLI(t, "migrate", "--database-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema is up to date")

	_, err = runCLI(t, "identify", "--database-url", url, "--email", "lorraine@hillvalley.edu", "--phone", "123456")
	require.NoError(t, err)
	out, err = runCLI(t, "identify", "--database-url", url, "--email", "mcfly@hillvalley.edu", "--phone", "123456")
	require.NoError(t, err)

	var resp models.IdentifyResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
	assert.Equal(t, []int64{2}, resp.Contact.SecondaryContactIDs)

	out, err = runCLI(t, "cluster", "2", "--database-url", url)
	require.NoError(t, err)
	var cluster models.IdentifyResponse
	require.NoError(t, json.Unmarshal([]byte(out), &cluster))
	assert.Equal(t, resp, cluster)
}

func TestCLIRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := runCLI(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestCLIIdentifyNeedsAField(t *testing.T) {
	_, err := runCLI(t, "identify", "--database-url", "sqlite://"+filepath.Join(t.TempDir(), "c.db"))
	require.Error(t, err)
}

func TestCLIClusterRejectsBadID(t *testing.T) {
	_, err := runCLI(t, "cluster", "abc", "--database-url", "sqlite://"+filepath.Join(t.TempDir(), "c.db"))
	require.Error(t, err)
}
