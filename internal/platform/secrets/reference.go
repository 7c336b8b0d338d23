package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Reference is a parsed secret://NAME[?version=V&project=P] value. sm:// is accepted as an
// older spelling of the same scheme.
type Reference struct {
	Name    string
	Version string
	Project string
}

func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	if raw == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: parse %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return Reference{}, fmt.Errorf("secrets: %q is not a secret:// reference", raw)
	}
	ref := Reference{
		Name:    strings.Trim(u.Host+u.Path, "/"),
		Version: strings.TrimSpace(u.Query().Get("version")),
		Project: strings.TrimSpace(u.Query().Get("project")),
	}
	if ref.Name == "" {
		return Reference{}, fmt.Errorf("secrets: %q names no secret", raw)
	}
	if ref.Version == "" {
		ref.Version = "latest"
	}
	return ref, nil
}

// String is the canonical form without the project, used as the fallback file key.
func (r Reference) String() string { return "secret://" + r.Name }

func (r Reference) key() string { return r.String() + "#" + r.Version }

func (r Reference) resource(project string) string {
	return "projects/" + project + "/secrets/" + r.Name + "/versions/" + r.Version
}

// masked identifies the secret in logs and metrics without revealing its name.
func (r Reference) masked() string {
	sum := sha256.Sum256([]byte(r.String()))
	return hex.EncodeToString(sum[:8])
}
