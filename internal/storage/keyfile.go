package storage

import (
	"bufio"
	"bytes"
	"strings"
)

// KeyFile stores keys as newline-delimited "token:plugin:state" records.
// Record order is preserved; the first line is the most recently issued key.
type KeyFile struct {
	path string
}

// NewKeyFile returns a KeyFile backed by path. The file is created on the
// first save.
func NewKeyFile(path string) *KeyFile { return &KeyFile{path: path} }

func (f *KeyFile) Path() string { return f.path }

func (f *KeyFile) LoadKeys() ([]KeyRecord, error) {
	data, err := readFileIfExists(f.path)
	if err != nil {
		return nil, persistErr("read", f.path, err)
	}
	keys, err := ParseKeys(data)
	if err != nil {
		return nil, persistErr("decode", f.path, err)
	}
	return keys, nil
}

func (f *KeyFile) SaveKeys(keys []KeyRecord) error {
	return persistErr("write", f.path, writeFileAtomic(f.path, FormatKeys(keys), 0o600))
}

// ParseKeys decodes the key record format. Lines without a token are skipped.
// A line longer than 1 MiB fails the whole decode so a partial list is never
// saved back over the file.
func ParseKeys(data []byte) ([]KeyRecord, error) {
	var out []KeyRecord
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		rec, ok := parseKeyLine(sc.Text())
		if ok {
			out = append(out, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseKeyLine(line string) (KeyRecord, bool) {
	line = strings.TrimRight(line, "\r")
	parts := strings.Split(line, ":")
	token := strings.TrimSpace(parts[0])
	if token == "" {
		return KeyRecord{}, false
	}
	rec := KeyRecord{Token: token}
	if len(parts) > 1 {
		rec.Plugin = parts[1]
	}
	if len(parts) > 2 {
		rec.State = parseKeyState(parts[2])
	}
	return rec, true
}

// FormatKeys encodes keys in order, one record per line, with no trailing
// newline.
func FormatKeys(keys []KeyRecord) []byte {
	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(formatKeyLine(k))
	}
	return buf.Bytes()
}

func formatKeyLine(k KeyRecord) string {
	return k.Token + ":" + k.Plugin + ":" + k.State.String()
}
