// Package telemetry handles the informational calls plugins make besides key
// validation: the start-up announcement (/initialize) and error reports
// (/report), which are archived to disk.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// ErrMissingParams is returned when an initialize call lacks plugin, port,
// validated or name.
var ErrMissingParams = errors.New("missing required parameters")

// Initialize is the start-up announcement a plugin sends once its key has
// been validated.
type Initialize struct {
	PluginName      string `json:"pluginName"`
	Port            string `json:"port"`
	Validated       string `json:"validated"`
	Name            string `json:"name"`
	Version         string `json:"version,omitempty"`
	Author          string `json:"author,omitempty"`
	Description     string `json:"description,omitempty"`
	BuildDate       string `json:"buildDate,omitempty"`
	TShockVersion   string `json:"tshockVersion,omitempty"`
	TerrariaVersion string `json:"terrariaVersion,omitempty"`
	ServerOS        string `json:"serverOs,omitempty"`
	MachineName     string `json:"machineName,omitempty"`
	ProcessArch     string `json:"processArch,omitempty"`
	ProcessUser     string `json:"processUser,omitempty"`
	DotnetVersion   string `json:"dotnetVersion,omitempty"`
	PublicIP        string `json:"publicIp"`
	LocalIP         string `json:"localIp,omitempty"`
	WorldFile       string `json:"worldFile,omitempty"`
	WorldSeed       string `json:"worldSeed,omitempty"`
	WorldSize       string `json:"worldSize,omitempty"`
	WorldID         string `json:"worldId,omitempty"`
	MaxPlayers      string `json:"maxPlayers,omitempty"`
	CurrPlayers     string `json:"currPlayers,omitempty"`
	UserAgent       string `json:"userAgent"`
}

// ParseInitialize reads an initialize call. PublicIP falls back to the
// caller's address and UserAgent to "N/A".
func ParseInitialize(plugin string, q url.Values, caller, userAgent string) (*Initialize, error) {
	get := func(k string) string { return strings.TrimSpace(q.Get(k)) }
	in := &Initialize{
		PluginName:      strings.TrimSpace(plugin),
		Port:            get("port"),
		Validated:       get("validated"),
		Name:            get("name"),
		Version:         get("version"),
		Author:          get("author"),
		Description:     get("description"),
		BuildDate:       get("buildDate"),
		TShockVersion:   get("tshockVersion"),
		TerrariaVersion: get("terrariaVersion"),
		ServerOS:        get("serverOs"),
		MachineName:     get("machineName"),
		ProcessArch:     get("processArch"),
		ProcessUser:     get("processUser"),
		DotnetVersion:   get("dotnetVersion"),
		PublicIP:        get("publicIp"),
		LocalIP:         get("localIp"),
		WorldFile:       get("worldFile"),
		WorldSeed:       get("worldSeed"),
		WorldSize:       get("worldSize"),
		WorldID:         get("worldId"),
		MaxPlayers:      get("maxPlayers"),
		CurrPlayers:     get("currPlayers"),
		UserAgent:       strings.TrimSpace(userAgent),
	}
	if in.PluginName == "" || in.Port == "" || in.Validated == "" || in.Name == "" {
		return in, ErrMissingParams
	}
	if in.PublicIP == "" {
		in.PublicIP = caller
	}
	if in.UserAgent == "" {
		in.UserAgent = "N/A"
	}
	return in, nil
}

// MarshalZerologObject logs the announcement as structured fields.
func (in *Initialize) MarshalZerologObject(e *zerolog.Event) {
	e.Str("plugin", in.PluginName).
		Str("version", orNA(in.Version)).
		Str("author", orNA(in.Author)).
		Str("port", in.Port).
		Str("validated", in.Validated).
		Str("server", in.Name).
		Str("public_ip", in.PublicIP).
		Str("players", orNA(in.CurrPlayers)+" / "+orNA(in.MaxPlayers)).
		Str("os", orNA(in.ServerOS)).
		Str("world", orNA(in.WorldFile)).
		Str("ua", in.UserAgent)
}

// Text is a JSON value that may arrive as a string, number, boolean or null
// and is kept as its string form.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	default:
		*t = Text(b)
	}
	return nil
}

// Report is a plugin error report. Only the fields used for routing and
// logging are decoded; the archive keeps the full original body.
type Report struct {
	Plugin        Text `json:"plugin"`
	PluginVersion Text `json:"pluginVersion"`
	PluginAuthor  Text `json:"pluginAuthor"`
	Port          Text `json:"port"`
	ServerName    Text `json:"serverName"`
	NameParameter Text `json:"nameParameter"`
	PublicIP      Text `json:"publicIp"`
	World         Text `json:"world"`
	CurrPlayers   Text `json:"currPlayers"`
	MaxPlayers    Text `json:"maxPlayers"`
	Message       Text `json:"message"`
	StackTrace    Text `json:"stackTrace"`
}

// ParseReport decodes body, which must be a JSON object.
func ParseReport(body []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// MarshalZerologObject logs the report as structured fields.
func (r *Report) MarshalZerologObject(e *zerolog.Event) {
	e.Str("plugin", orNA(string(r.Plugin))).
		Str("version", orNA(string(r.PluginVersion))).
		Str("port", orNA(string(r.Port))).
		Str("server", orNA(string(r.ServerName))).
		Str("public_ip", orNA(string(r.PublicIP))).
		Str("world", orNA(string(r.World))).
		Str("players", orNA(string(r.CurrPlayers))+" / "+orNA(string(r.MaxPlayers))).
		Str("error", orNA(string(r.Message)))
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
