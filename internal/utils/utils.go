package utils

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const configTemplate = `# Required unless debug_token is used. Application credentials from the 123pan open platform.
client_id = "{{CLIENT_ID}}"
client_secret = "{{CLIENT_SECRET}}"

# Optional API root, default "https://open-api.123pan.com"
base_url = "https://open-api.123pan.com"

# Optional request timeout in secs, default 30
timeout = 30

# Optional log level, default "info"
loglevel = "info"

# Optional. With debug = true, a pre-issued access token replaces the credentials above.
# The token is never refreshed.
debug = false
debug_token = ""

[rate_limit]
# Optional. At most max_requests calls per per_milliseconds, default 100 per 60000.
max_requests = 100
per_milliseconds = 60000
# Optional number of local waits before a call fails, default 3
max_retries = 3

[upload]
# Optional target folder, default 0 (root)
parent_file_id = 0
# Optional wait between completion polls in ms, default 1000
poll_interval_ms = 1000
# Optional number of completion polls before giving up, default 300
max_poll_attempts = 300
# Optional. Return right after the transfer instead of waiting for the server, default false
async = false
# Optional number of files uploaded in parallel, default 2
workers = 2
# Optional file or folder names to skip when uploading directories, globs allowed
skip_patterns = [".DS_Store", "Thumbs.db"]
# Optional. "auto" uses the one-shot endpoint below 1 GiB, or force "single" / "multipart"
mode = "auto"
# Optional. What to do when the name is taken: 0 server default, 1 keep both, 2 overwrite
duplicate = 0

[mock]
# Optional settings for 'pan123 mock-server'
bind_address = "127.0.0.1"
port = 8123
slice_size = 4194304
pending_polls = 0
`

// Credentials are written into a generated config.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// PromptCredentials reads a client ID and secret, one per line.
func PromptCredentials(in io.Reader, out io.Writer) (Credentials, error) {
	scanner := bufio.NewScanner(in)
	read := func(label string) (string, error) {
		fmt.Fprintf(out, "%s: ", label)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("%s: %w", label, io.ErrUnexpectedEOF)
		}
		v := strings.TrimSpace(scanner.Text())
		if v == "" {
			return "", fmt.Errorf("%s is required", label)
		}
		return v, nil
	}

	id, err := read("Client ID")
	if err != nil {
		return Credentials{}, err
	}
	secret, err := read("Client secret")
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{ClientID: id, ClientSecret: secret}, nil
}

// RenderConfig fills the template with creds.
func RenderConfig(creds Credentials) string {
	return strings.NewReplacer(
		"{{CLIENT_ID}}", creds.ClientID,
		"{{CLIENT_SECRET}}", creds.ClientSecret,
	).Replace(configTemplate)
}

// GenerateConfig writes a configuration file, backing up an existing one.
func GenerateConfig(configPath string, creds Credentials, out io.Writer) error {
	fmt.Fprintf(out, "Generating config %s\n", configPath)

	config := RenderConfig(creds)

	// Check if config file already exists and back it up
	if _, err := os.Stat(configPath); err == nil {
		backupPath := configPath + ".bak"
		fmt.Fprintf(out, "Backing up config %s\n", configPath)
		if err := os.Rename(configPath, backupPath); err != nil {
			return fmt.Errorf("failed to backup config: %w", err)
		}
	}

	// Create parent directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file holds a client secret.
	fmt.Fprintf(out, "Writing %s\n", configPath)
	if err := os.WriteFile(configPath, []byte(config), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// HumanSize formats a byte count, e.g. "5.0 MiB".
func HumanSize(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// HumanTime formats an expiry relative to now, e.g. "in 59 minutes".
func HumanTime(t time.Time) string {
	return humanize.Time(t)
}

// Mask keeps the last n characters of a secret.
func Mask(secret string, n int) string {
	if len(secret) <= n {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-n) + secret[len(secret)-n:]
}
