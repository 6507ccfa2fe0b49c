package cloud

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// AccountID returns the account id behind profile.
func (c CLI) AccountID(ctx context.Context, profile string) (string, error) {
	return c.Text(ctx, Options{Profile: profile}, "sts", "get-caller-identity", "--query", "Account")
}

// DefaultCredentialsPath is ~/.aws/credentials.
func DefaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".aws", "credentials")
}

// Profiles lists the [section] names of a credentials file. A missing file
// has no profiles.
func Profiles(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			out = append(out, strings.TrimSpace(line[1:len(line)-1]))
		}
	}
	return out, sc.Err()
}
