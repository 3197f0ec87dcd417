package applenotarization

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrMissingTeamID is returned when an Apple ID and password are
	// configured without APPLE_TEAM_ID. notarytool cannot work
	// without it.
	ErrMissingTeamID = errors.New("APPLE_TEAM_ID is required when notarizing with APPLE_ID and APPLE_PASSWORD")

	ErrMissingCredentials = errors.New("no APPLE_ID & APPLE_PASSWORD & APPLE_TEAM_ID or APPLE_API_KEY & APPLE_API_ISSUER & APPLE_API_KEY_PATH environment variables found")
)

// MissingAPIKeyError means APPLE_API_KEY and APPLE_API_ISSUER were set
// but the key file could not be found in any of the usual places.
type MissingAPIKeyError struct {
	FileName string
}

func (e *MissingAPIKeyError) Error() string {
	return fmt.Sprintf("could not find API key file %s. Please set the APPLE_API_KEY_PATH environment variable to the path of the %s file", e.FileName, e.FileName)
}

// Credentials authenticate notarytool.
type Credentials interface {
	notarytoolArgs() []string
}

type AppleIDCredentials struct {
	AppleID  string
	Password string // app specific password
	TeamID   string
}

func (c AppleIDCredentials) notarytoolArgs() []string {
	return []string{"--apple-id", c.AppleID, "--password", c.Password, "--team-id", c.TeamID}
}

type APIKeyCredentials struct {
	KeyID   string
	Issuer  string
	KeyPath string
}

func (c APIKeyCredentials) notarytoolArgs() []string {
	return []string{"--key-id", c.KeyID, "--key", c.KeyPath, "--issuer", c.Issuer}
}

// CredentialsFromEnv reads notarization credentials. An Apple ID wins
// over an API key. Without APPLE_API_KEY_PATH, AuthKey_<id>.p8 is
// searched for in ./private_keys and a few directories under home.
func CredentialsFromEnv(getenv func(string) string, home string) (Credentials, error) {
	appleID, password, teamID := getenv("APPLE_ID"), getenv("APPLE_PASSWORD"), getenv("APPLE_TEAM_ID")
	if appleID != "" && password != "" {
		if teamID == "" {
			return nil, ErrMissingTeamID
		}
		return AppleIDCredentials{AppleID: appleID, Password: password, TeamID: teamID}, nil
	}

	keyID, issuer := getenv("APPLE_API_KEY"), getenv("APPLE_API_ISSUER")
	if keyID == "" || issuer == "" {
		return nil, ErrMissingCredentials
	}

	if keyPath := getenv("APPLE_API_KEY_PATH"); keyPath != "" {
		return APIKeyCredentials{KeyID: keyID, Issuer: issuer, KeyPath: keyPath}, nil
	}

	fileName := "AuthKey_" + keyID + ".p8"
	searchPaths := []string{"./private_keys"}
	if home != "" {
		searchPaths = append(searchPaths,
			filepath.Join(home, "private_keys"),
			filepath.Join(home, ".private_keys"),
			filepath.Join(home, ".appstoreconnect", "private_keys"),
		)
	}

	for _, dir := range searchPaths {
		candidate := filepath.Join(dir, fileName)
		if _, err := os.Stat(candidate); err == nil {
			return APIKeyCredentials{KeyID: keyID, Issuer: issuer, KeyPath: candidate}, nil
		}
	}

	return nil, &MissingAPIKeyError{FileName: fileName}
}
