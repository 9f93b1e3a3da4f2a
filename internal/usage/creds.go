package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/zalando/go-keyring"
)

// Credentials is the minimal shape every provider's quota endpoint needs:
// a bearer token to authenticate with.
type Credentials struct {
	AccessToken string
}

// credentialFile is the common shape of the providers' on-disk OAuth
// credential caches: a top-level or nested access token field. Providers
// vary in exact nesting, so both are checked.
type credentialFile struct {
	AccessToken string `json:"access_token"`
	Claude      struct {
		AccessToken string `json:"accessToken"`
	} `json:"claudeAiOauth"`
	Tokens struct {
		AccessToken string `json:"access_token"`
	} `json:"tokens"`
}

func (c credentialFile) token() string {
	switch {
	case c.AccessToken != "":
		return c.AccessToken
	case c.Claude.AccessToken != "":
		return c.Claude.AccessToken
	case c.Tokens.AccessToken != "":
		return c.Tokens.AccessToken
	default:
		return ""
	}
}

func readCredentialFile(path string) (Credentials, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, false
	}
	var cf credentialFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return Credentials{}, false
	}
	token := cf.token()
	if token == "" {
		return Credentials{}, false
	}
	return Credentials{AccessToken: token}, true
}

func homeJoin(parts ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(append([]string{home}, parts...)...)
}

// discoverClaude follows the documented search order: the macOS keychain
// entry Claude Code writes on login, falling back to its on-disk
// credentials cache on any platform.
func discoverClaude() (Credentials, bool) {
	if runtime.GOOS == "darwin" {
		if token, err := keyring.Get("Claude Code-credentials", ""); err == nil && token != "" {
			return Credentials{AccessToken: token}, true
		}
	}
	if path := homeJoin(".claude", ".credentials.json"); path != "" {
		return readCredentialFile(path)
	}
	return Credentials{}, false
}

func discoverCodex() (Credentials, bool) {
	if path := homeJoin(".codex", "auth.json"); path != "" {
		return readCredentialFile(path)
	}
	return Credentials{}, false
}

func discoverGemini() (Credentials, bool) {
	if path := homeJoin(".gemini", "oauth_creds.json"); path != "" {
		return readCredentialFile(path)
	}
	return Credentials{}, false
}
