package gatewayapp

import (
	"net/url"
	"os"
	"os/exec"
)

// binaryExists reports whether path resolves to an executable, either via
// PATH lookup (bare name) or a direct filesystem check (absolute/relative
// path), mirroring how process.Process itself resolves variant.Binary.
func binaryExists(path string) bool {
	if path == "" {
		return false
	}
	if _, err := exec.LookPath(path); err == nil {
		return true
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// isWellFormedURL reports whether connect parses as an absolute URL with a
// host, which is all Doctor can check without actually dialing it.
func isWellFormedURL(connect string) bool {
	u, err := url.Parse(connect)
	return err == nil && u.Scheme != "" && u.Host != ""
}
