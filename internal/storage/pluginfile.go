package storage

import (
	"bufio"
	"bytes"
	"strings"
)

// PluginFile stores registered plugin names, one per line.
type PluginFile struct {
	path string
}

var _ PluginStore = (*PluginFile)(nil)

func NewPluginFile(path string) *PluginFile { return &PluginFile{path: path} }

func (f *PluginFile) Path() string { return f.path }

func (f *PluginFile) LoadPlugins() ([]string, error) {
	data, err := readFileIfExists(f.path)
	if err != nil {
		return nil, persistErr("read", f.path, err)
	}
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			names = append(names, name)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, persistErr("decode", f.path, err)
	}
	return names, nil
}

func (f *PluginFile) SavePlugins(names []string) error {
	data := strings.Join(names, "\n")
	if data != "" {
		data += "\n"
	}
	return persistErr("write", f.path, writeFileAtomic(f.path, []byte(data), 0o644))
}
