package applenotarization

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kolide/bundler/pkg/packagekit/codesign"
	"github.com/kolide/bundler/pkg/packagekit/packagekittest"
	"github.com/stretchr/testify/require"
)

func TestHelperProcess(t *testing.T) { packagekittest.RunHelperProcess() }

var testCreds = AppleIDCredentials{AppleID: "myname@example.com", Password: "123password", TeamID: "X11111AAAA"}

type recordingSigner struct {
	signed []string
}

func (r *recordingSigner) Sign(_ context.Context, path string, _ codesign.Entitlements, _ bool) error {
	r.signed = append(r.signed, path)
	return nil
}

// notarytool answers each subcommand from a testdata file.
func notarytool(t *testing.T, responses map[string]string) *packagekittest.FakeExec {
	return packagekittest.New().Handle("xcrun", func(args []string) packagekittest.Result {
		if len(args) < 2 || args[0] != "notarytool" {
			return packagekittest.Result{}
		}
		file, ok := responses[args[1]]
		if !ok {
			return packagekittest.Result{}
		}
		data, err := os.ReadFile(file)
		require.NoError(t, err)
		return packagekittest.Result{Stdout: string(data)}
	})
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	keyDir := filepath.Join(home, ".appstoreconnect", "private_keys")
	require.NoError(t, os.MkdirAll(keyDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(keyDir, "AuthKey_FOUND.p8"), []byte("key"), 0600))

	var tests = []struct {
		name        string
		env         map[string]string
		expected    Credentials
		expectedErr error
	}{
		{
			name:        "nothing set",
			expectedErr: ErrMissingCredentials,
		},
		{
			name:        "apple id without team",
			env:         map[string]string{"APPLE_ID": "a@example.com", "APPLE_PASSWORD": "pw"},
			expectedErr: ErrMissingTeamID,
		},
		{
			name:     "apple id",
			env:      map[string]string{"APPLE_ID": "a@example.com", "APPLE_PASSWORD": "pw", "APPLE_TEAM_ID": "TEAM"},
			expected: AppleIDCredentials{AppleID: "a@example.com", Password: "pw", TeamID: "TEAM"},
		},
		{
			name: "apple id wins over api key",
			env: map[string]string{
				"APPLE_ID": "a@example.com", "APPLE_PASSWORD": "pw", "APPLE_TEAM_ID": "TEAM",
				"APPLE_API_KEY": "K", "APPLE_API_ISSUER": "I", "APPLE_API_KEY_PATH": "/k.p8",
			},
			expected: AppleIDCredentials{AppleID: "a@example.com", Password: "pw", TeamID: "TEAM"},
		},
		{
			name:     "api key with path",
			env:      map[string]string{"APPLE_API_KEY": "K", "APPLE_API_ISSUER": "I", "APPLE_API_KEY_PATH": "/k.p8"},
			expected: APIKeyCredentials{KeyID: "K", Issuer: "I", KeyPath: "/k.p8"},
		},
		{
			name:     "api key searched",
			env:      map[string]string{"APPLE_API_KEY": "FOUND", "APPLE_API_ISSUER": "I"},
			expected: APIKeyCredentials{KeyID: "FOUND", Issuer: "I", KeyPath: filepath.Join(keyDir, "AuthKey_FOUND.p8")},
		},
		{
			name:        "api key issuer only",
			env:         map[string]string{"APPLE_API_ISSUER": "I"},
			expectedErr: ErrMissingCredentials,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			creds, err := CredentialsFromEnv(func(k string) string { return tt.env[k] }, home)
			if tt.expectedErr != nil {
				require.True(t, errors.Is(err, tt.expectedErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, creds)
		})
	}
}

func TestCredentialsMissingAPIKeyFile(t *testing.T) {
	t.Parallel()

	env := map[string]string{"APPLE_API_KEY": "NOPE", "APPLE_API_ISSUER": "I"}
	_, err := CredentialsFromEnv(func(k string) string { return env[k] }, t.TempDir())

	var missing *MissingAPIKeyError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, "AuthKey_NOPE.p8", missing.FileName)
}

func TestNotarizeWaitAccepted(t *testing.T) {
	t.Parallel()

	app := filepath.Join(t.TempDir(), "Acme.app")
	require.NoError(t, os.MkdirAll(app, 0755))

	fake := notarytool(t, map[string]string{"submit": "testdata/submit_wait_accepted.json"})
	signer := &recordingSigner{}

	require.NoError(t, New(testCreds, WithExecCC(fake.CommandContext)).Notarize(context.TODO(), app, signer, true))

	require.Len(t, signer.signed, 1)
	require.Equal(t, "Acme.zip", filepath.Base(signer.signed[0]))

	ditto := fake.CallsTo("ditto")
	require.Len(t, ditto, 1)
	require.Equal(t, []string{"-c", "-k", "--keepParent", "--sequesterRsrc", app, signer.signed[0]}, ditto[0])

	xcrun := fake.CallsTo("xcrun")
	require.Len(t, xcrun, 2)
	require.Equal(t, []string{
		"notarytool", "submit", signer.signed[0],
		"--apple-id", "myname@example.com", "--password", "123password", "--team-id", "X11111AAAA",
		"--output-format", "json", "--wait",
	}, xcrun[0])
	require.Equal(t, []string{"stapler", "staple", "-v", "Acme.app"}, xcrun[1])
}

func TestNotarizeWaitRejected(t *testing.T) {
	t.Parallel()

	app := filepath.Join(t.TempDir(), "Acme.app")
	fake := packagekittest.New().Handle("xcrun", func(args []string) packagekittest.Result {
		switch args[1] {
		case "submit":
			data, _ := os.ReadFile("testdata/submit_wait_invalid.json")
			return packagekittest.Result{Stdout: string(data)}
		case "log":
			return packagekittest.Result{Stdout: `{"issues":[{"message":"The binary is not signed."}]}`}
		}
		return packagekittest.Result{}
	})

	err := New(testCreds, WithExecCC(fake.CommandContext)).Notarize(context.TODO(), app, &recordingSigner{}, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status Invalid")
	require.Contains(t, err.Error(), "The binary is not signed.")

	for _, call := range fake.CallsTo("xcrun") {
		require.NotEqual(t, "stapler", call[0])
	}
}

func TestNotarizeNoWait(t *testing.T) {
	t.Parallel()

	app := filepath.Join(t.TempDir(), "Acme.app")
	fake := notarytool(t, map[string]string{"submit": "testdata/submit.json"})

	require.NoError(t, New(testCreds, WithExecCC(fake.CommandContext)).Notarize(context.TODO(), app, &recordingSigner{}, false))

	xcrun := fake.CallsTo("xcrun")
	require.Len(t, xcrun, 1)
	require.NotContains(t, xcrun[0], "--wait")
}

func TestNotarizeGarbageOutput(t *testing.T) {
	t.Parallel()

	app := filepath.Join(t.TempDir(), "Acme.app")
	fake := packagekittest.New().Handle("xcrun", func([]string) packagekittest.Result {
		return packagekittest.Result{Stdout: "not json"}
	})

	err := New(testCreds, WithExecCC(fake.CommandContext)).Notarize(context.TODO(), app, &recordingSigner{}, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to parse notarytool output")
}

func TestCheckSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.TODO()

	var tests = []struct {
		fakeFile       string
		uuid           string
		expectedError  bool
		expectedStatus string
	}{
		{
			fakeFile:       "testdata/info.json",
			uuid:           "11111111-2222-3333-4444-f4b2a99e443a",
			expectedStatus: "Accepted",
		},
		{
			fakeFile:      "testdata/info.json",
			uuid:          "mismatched uuid",
			expectedError: true,
		},
		{
			fakeFile:       "testdata/infoinprogress.json",
			uuid:           "77777777-1111-4444-aaaa-111111111111",
			expectedStatus: "In Progress",
		},
	}

	for _, tt := range tests {
		fake := notarytool(t, map[string]string{"info": tt.fakeFile})
		n := New(testCreds, WithExecCC(fake.CommandContext))

		returnedStatus, err := n.Check(ctx, tt.uuid)

		if tt.expectedError {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
			require.Equal(t, tt.expectedStatus, returnedStatus)
		}
	}
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()

	tmpZipFile, err := os.CreateTemp(t.TempDir(), "fake-for-submission.*.zip")
	require.NoError(t, err)
	t.Cleanup(func() {
		tmpZipFile.Close()
	})

	fake := notarytool(t, map[string]string{"submit": "testdata/submit.json"})
	n := New(APIKeyCredentials{KeyID: "K", Issuer: "I", KeyPath: "/k.p8"}, WithExecCC(fake.CommandContext))

	returnedUuid, err := n.Submit(ctx, tmpZipFile.Name())
	require.NoError(t, err)
	require.Equal(t, "11111111-aaaa-4444-aaaa-bbbbbbbbbbbb", returnedUuid)

	require.Equal(t, [][]string{{
		"notarytool", "submit", tmpZipFile.Name(),
		"--key-id", "K", "--key", "/k.p8", "--issuer", "I",
		"--output-format", "json", "--no-wait", "--timeout", "3m",
	}}, fake.CallsTo("xcrun"))
}
