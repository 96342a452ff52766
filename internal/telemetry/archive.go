package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ReportsDir is the directory under the data directory that holds archived
// reports.
const ReportsDir = "ServerReports"

var (
	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_\-:.]`)
	unsafeAddrChars = regexp.MustCompile(`[^0-9.:]`)
)

// Archive stores plugin reports as JSON files, one directory per server.
type Archive struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewArchive returns an archive rooted at dataDir/ServerReports.
func NewArchive(dataDir string) *Archive {
	return &Archive{dir: filepath.Join(dataDir, ReportsDir), now: time.Now}
}

// Dir returns the archive root.
func (a *Archive) Dir() string { return a.dir }

// Save writes body (a JSON object) to <ip>_<port>_<name>/<timestamp>.json and
// returns the file path. The body is re-indented but otherwise unchanged.
func (a *Archive) Save(body []byte, r *Report) (string, error) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return "", fmt.Errorf("telemetry: report is not valid JSON: %w", err)
	}

	folder := FolderName(r)
	dir := filepath.Join(a.dir, folder)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("telemetry: create %s: %w", dir, err)
	}
	stamp := a.stamp()
	for i := 0; ; i++ {
		name := stamp + ".json"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.json", stamp, i)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("telemetry: create %s: %w", path, err)
		}
		_, werr := f.Write(pretty.Bytes())
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return "", fmt.Errorf("telemetry: write %s: %w", path, werr)
		}
		return path, nil
	}
}

// FolderName derives the per-server directory for r. Missing parts read as
// "N_A"; characters that could escape the archive are replaced.
func FolderName(r *Report) string {
	ip := unsafeAddrChars.ReplaceAllString(string(orNAUnderscore(r.PublicIP)), "")
	if ip == "" {
		ip = "N_A"
	}
	port := sanitizeName(string(orNAUnderscore(r.Port)))
	name := sanitizeName(string(orNAUnderscore(r.NameParameter)))
	return ip + "_" + port + "_" + name
}

// stamp is the current UTC time in ISO form with ':' and '.' replaced.
// Same-millisecond collisions get a numeric suffix in Save.
func (a *Archive) stamp() string {
	s := a.now().UTC().Format("2006-01-02T15:04:05.000Z")
	return strings.NewReplacer(":", "_", ".", "_").Replace(s)
}

func sanitizeName(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	if strings.Trim(s, ".") == "" {
		return strings.Repeat("_", len(s))
	}
	return s
}

func orNAUnderscore(t Text) Text {
	if t == "" {
		return "N_A"
	}
	return t
}
