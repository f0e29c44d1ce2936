package workspace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage/sqlite"
	"github.com/vibe80/vibe80/pkg/wire"
)

func testProvisioner(t *testing.T, mode string) (*Provisioner, *sqlite.Store, string) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	homeBase := t.TempDir()
	cfg := config.WorkspaceConfig{
		DeploymentMode: mode,
		HomeBase:       homeBase,
		UIDMin:         20000,
		UIDMax:         20100,
	}
	p := NewProvisioner(cfg, store, sandbox.NewLocalExecutor(nil), nil, nil)
	return p, store, homeBase
}

// fakeUserland scripts getent/useradd/id so no real OS user is touched.
func fakeUserland(takenUIDs map[string]bool, gid string) RootRunner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		switch name {
		case "getent":
			if takenUIDs[args[len(args)-1]] {
				return []byte("taken:x:..."), nil
			}
			return nil, errors.New("exit status 2")
		case "useradd":
			return nil, nil
		case "id":
			return []byte(gid + "\n"), nil
		}
		return nil, errors.New("unexpected command " + name)
	}
}

func codexProviders() map[models.Provider]models.ProviderSettings {
	return map[models.Provider]models.ProviderSettings{
		models.ProviderCodex: {
			Enabled: true,
			Auth:    &models.ProviderAuth{Type: models.AuthTypeAPIKey, Value: "sk-test"},
		},
	}
}

func TestValidateProviders(t *testing.T) {
	cases := []struct {
		name      string
		providers map[models.Provider]models.ProviderSettings
		wantCode  string
	}{
		{
			name:      "codex api key ok",
			providers: codexProviders(),
		},
		{
			name: "claude setup token ok",
			providers: map[models.Provider]models.ProviderSettings{
				models.ProviderClaude: {
					Enabled: true,
					Auth:    &models.ProviderAuth{Type: models.AuthTypeSetupToken, Value: "tok"},
				},
			},
		},
		{
			name: "unknown provider",
			providers: map[models.Provider]models.ProviderSettings{
				"gemini": {Enabled: true, Auth: &models.ProviderAuth{Type: models.AuthTypeAPIKey, Value: "x"}},
			},
			wantCode: wire.ErrCodeProviderInvalid,
		},
		{
			name: "codex rejects setup_token",
			providers: map[models.Provider]models.ProviderSettings{
				models.ProviderCodex: {
					Enabled: true,
					Auth:    &models.ProviderAuth{Type: models.AuthTypeSetupToken, Value: "x"},
				},
			},
			wantCode: wire.ErrCodeProviderInvalid,
		},
		{
			name: "claude rejects auth_json_b64",
			providers: map[models.Provider]models.ProviderSettings{
				models.ProviderClaude: {
					Enabled: true,
					Auth:    &models.ProviderAuth{Type: models.AuthTypeAuthJSON, Value: "x"},
				},
			},
			wantCode: wire.ErrCodeProviderInvalid,
		},
		{
			name: "enabled without auth",
			providers: map[models.Provider]models.ProviderSettings{
				models.ProviderCodex: {Enabled: true},
			},
			wantCode: wire.ErrCodeProviderInvalid,
		},
		{
			name: "empty auth value",
			providers: map[models.Provider]models.ProviderSettings{
				models.ProviderCodex: {
					Enabled: true,
					Auth:    &models.ProviderAuth{Type: models.AuthTypeAPIKey, Value: ""},
				},
			},
			wantCode: wire.ErrCodeProviderInvalid,
		},
		{
			name: "disabled without auth ok",
			providers: map[models.Provider]models.ProviderSettings{
				models.ProviderClaude: {Enabled: false},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateProviders(tc.providers)
			if tc.wantCode == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tc.wantCode, wire.CodeOf(err))
			}
		})
	}
}

func TestCreateMultiUser(t *testing.T) {
	p, store, homeBase := testProvisioner(t, config.ModeMultiUser)
	p.SetRootRunner(fakeUserland(nil, "20042"))
	p.pickUID = func(min, _ int) int { return min + 42 }

	ws, err := p.Create(context.Background(), codexProviders())
	require.NoError(t, err)

	assert.Equal(t, 20042, ws.UID)
	assert.Equal(t, 20042, ws.GID)
	assert.Len(t, ws.Secret, 64)

	// Persisted.
	stored, err := store.GetWorkspace(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.UID, stored.UID)
	assert.True(t, stored.ProviderEnabled(models.ProviderCodex))

	// Home skeleton and metadata files.
	meta := filepath.Join(homeBase, ws.ID, "vibe80_workspace", "metadata")
	secret, err := os.ReadFile(filepath.Join(meta, "workspace.secret"))
	require.NoError(t, err)
	assert.Equal(t, ws.Secret, strings.TrimSpace(string(secret)))

	var cfgFile map[string]any
	raw, err := os.ReadFile(filepath.Join(meta, "workspace.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &cfgFile))
	assert.Equal(t, ws.ID, cfgFile["workspaceId"])

	info, err := os.Stat(filepath.Join(meta, "workspace.secret"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Codex credentials materialized.
	auth, err := os.ReadFile(filepath.Join(homeBase, ws.ID, ".codex", "auth.json"))
	require.NoError(t, err)
	var authFile map[string]string
	require.NoError(t, json.Unmarshal(auth, &authFile))
	assert.Equal(t, "sk-test", authFile["OPENAI_API_KEY"])

	// Audit trail.
	audit, err := os.ReadFile(filepath.Join(meta, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), "workspace created")
}

func TestCreateUIDExhaustion(t *testing.T) {
	p, _, _ := testProvisioner(t, config.ModeMultiUser)
	p.SetRootRunner(func(_ context.Context, name string, _ ...string) ([]byte, error) {
		if name == "getent" {
			return []byte("taken"), nil // every uid taken
		}
		return nil, nil
	})

	_, err := p.Create(context.Background(), codexProviders())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no free uid")
}

func TestEnsureMonoWorkspaceIdempotent(t *testing.T) {
	p, _, homeBase := testProvisioner(t, config.ModeMonoUser)

	ws, err := p.EnsureMonoWorkspace(context.Background(), codexProviders())
	require.NoError(t, err)
	assert.Equal(t, MonoWorkspaceID, ws.ID)
	assert.Zero(t, ws.UID)

	again, err := p.EnsureMonoWorkspace(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, ws.Secret, again.Secret)

	_, err = os.Stat(filepath.Join(homeBase, MonoWorkspaceID, "vibe80_workspace", "sessions"))
	require.NoError(t, err)
}

func TestClaudeCredentialPlacementByAuthType(t *testing.T) {
	p, _, homeBase := testProvisioner(t, config.ModeMonoUser)

	ws, err := p.EnsureMonoWorkspace(context.Background(), map[models.Provider]models.ProviderSettings{
		models.ProviderClaude: {
			Enabled: true,
			Auth:    &models.ProviderAuth{Type: models.AuthTypeSetupToken, Value: "sess-tok"},
		},
	})
	require.NoError(t, err)

	home := filepath.Join(homeBase, ws.ID)
	raw, err := os.ReadFile(filepath.Join(home, ".claude", ".credentials.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "sess-tok")

	// api_key moves the credential to ~/.claude.json and clears the old file.
	_, err = p.Update(context.Background(), ws.ID, map[models.Provider]models.ProviderSettings{
		models.ProviderClaude: {
			Enabled: true,
			Auth:    &models.ProviderAuth{Type: models.AuthTypeAPIKey, Value: "sk-c"},
		},
	})
	require.NoError(t, err)

	raw, err = os.ReadFile(filepath.Join(home, ".claude.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "sk-c")
}

func TestCodexAuthJSONB64(t *testing.T) {
	p, _, homeBase := testProvisioner(t, config.ModeMonoUser)

	payload := `{"tokens":{"access_token":"at"}}`
	ws, err := p.EnsureMonoWorkspace(context.Background(), map[models.Provider]models.ProviderSettings{
		models.ProviderCodex: {
			Enabled: true,
			Auth: &models.ProviderAuth{
				Type:  models.AuthTypeAuthJSON,
				Value: base64.StdEncoding.EncodeToString([]byte(payload)),
			},
		},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(homeBase, ws.ID, ".codex", "auth.json"))
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(raw))
}

func TestCodexAuthJSONB64Rejected(t *testing.T) {
	_, err := codexAuthFile(&models.ProviderAuth{Type: models.AuthTypeAuthJSON, Value: "%%%not-base64%%%"})
	require.Error(t, err)
	assert.Equal(t, wire.ErrCodeProviderInvalid, wire.CodeOf(err))

	_, err = codexAuthFile(&models.ProviderAuth{
		Type:  models.AuthTypeAuthJSON,
		Value: base64.StdEncoding.EncodeToString([]byte("not json")),
	})
	require.Error(t, err)
	assert.Equal(t, wire.ErrCodeProviderInvalid, wire.CodeOf(err))
}

func TestUpdateDisableInUseRejected(t *testing.T) {
	p, store, _ := testProvisioner(t, config.ModeMonoUser)
	p.inUse = func(_ context.Context, _ string, prov models.Provider) (bool, error) {
		return prov == models.ProviderCodex, nil
	}

	ws, err := p.EnsureMonoWorkspace(context.Background(), codexProviders())
	require.NoError(t, err)

	_, err = p.Update(context.Background(), ws.ID, map[models.Provider]models.ProviderSettings{
		models.ProviderCodex: {Enabled: false},
	})
	require.Error(t, err)
	assert.Equal(t, wire.ErrCodeProviderInUse, wire.CodeOf(err))

	// Persisted config unchanged.
	stored, err := store.GetWorkspace(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.True(t, stored.ProviderEnabled(models.ProviderCodex))
}

func TestUpdateDisableWhenIdle(t *testing.T) {
	p, store, homeBase := testProvisioner(t, config.ModeMonoUser)
	p.inUse = func(context.Context, string, models.Provider) (bool, error) { return false, nil }

	ws, err := p.EnsureMonoWorkspace(context.Background(), codexProviders())
	require.NoError(t, err)

	_, err = p.Update(context.Background(), ws.ID, map[models.Provider]models.ProviderSettings{
		models.ProviderCodex: {Enabled: false},
	})
	require.NoError(t, err)

	stored, err := store.GetWorkspace(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.False(t, stored.ProviderEnabled(models.ProviderCodex))

	// Credential file removed on disable.
	_, err = os.Stat(filepath.Join(homeBase, ws.ID, ".codex", "auth.json"))
	assert.True(t, os.IsNotExist(err))
}
