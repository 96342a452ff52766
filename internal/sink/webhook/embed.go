package webhook

import (
	"sort"
	"time"

	"github.com/developingchet/keygate/internal/sink"
)

// Embed colours.
const (
	ColorInfo  = 0x2ECC71 // green
	ColorWarn  = 0xF1C40F // yellow
	ColorAlert = 0xE74C3C // red
)

// titles maps event kinds to human-readable embed titles. Unknown kinds use
// the kind string itself.
var titles = map[sink.Kind]string{
	sink.KindKeyIssued:           "Key issued",
	sink.KindKeyRevoked:          "Key revoked",
	sink.KindKeyRenewed:          "Key renewed",
	sink.KindValidationSucceeded: "Plugin validated",
	sink.KindValidationFailed:    "Validation failed",
	sink.KindValidationDenied:    "Validation denied",
	sink.KindAddressBlocked:      "Address blocked",
	sink.KindBlockedRequest:      "Request from blocked address",
	sink.KindAddressEscalated:    "Address permanently blocked",
	sink.KindAddressUnblocked:    "Address unblocked",
	sink.KindPersistenceFailure:  "State write failed",
	sink.KindPluginInitialized:   "Plugin initialized",
	sink.KindPluginReported:      "Plugin report received",
}

// Title returns the embed title for k.
func Title(k sink.Kind) string {
	if t, ok := titles[k]; ok {
		return t
	}
	return string(k)
}

// Color returns the embed colour for k.
func Color(k sink.Kind) int {
	switch k.Severity() {
	case sink.SeverityAlert:
		return ColorAlert
	case sink.SeverityWarn:
		return ColorWarn
	default:
		return ColorInfo
	}
}

type payload struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}

// buildPayload renders e as a single embed. Tokens are masked.
func buildPayload(username string, e *sink.Event) payload {
	em := embed{
		Title:       Title(e.Kind),
		Description: e.Message,
		Color:       Color(e.Kind),
		Footer:      &embedFooter{Text: e.ID},
		Timestamp:   e.Time.UTC().Format(time.RFC3339),
	}
	add := func(name, value string) {
		if value != "" {
			em.Fields = append(em.Fields, embedField{Name: name, Value: value, Inline: true})
		}
	}
	add("IP", e.Address)
	add("Plugin", e.Plugin)
	if e.Token != "" {
		add("Key", sink.MaskToken(e.Token))
	}
	add("Reason", e.Reason)

	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		add(k, e.Fields[k])
	}
	return payload{Username: username, Embeds: []embed{em}}
}
