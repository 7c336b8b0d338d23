package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// localFile holds values from a developer file of secret://NAME=VALUE lines. Entries apply
// to every version of the secret.
type localFile map[string]string

func readLocalFile(path string) (localFile, error) {
	values := localFile{}
	if path == "" {
		return values, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		ref, err := ParseReference(name)
		if err != nil {
			continue
		}
		values[ref.String()] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}
	return values, nil
}

func (l localFile) lookup(ref Reference) (string, bool) {
	v, ok := l[ref.String()]
	return v, ok
}
