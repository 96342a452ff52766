package request

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidate(t *testing.T) {
	q := url.Values{
		"port":    {"25565"},
		"name":    {" Survival "},
		"ip":      {"198.51.100.7"},
		"version": {"1.4.2", "ignored"},
		"motd":    {"hello"},
	}
	v := ParseValidate("a1b2-c3d4", "Telemetry", q)

	assert.Equal(t, "a1b2-c3d4", v.Key)
	assert.Equal(t, "Telemetry", v.Plugin)
	assert.Equal(t, "25565", v.Port)
	assert.Equal(t, "Survival", v.Name)
	assert.Equal(t, "198.51.100.7", v.Address)
	assert.Equal(t, map[string]string{"version": "1.4.2", "motd": "hello"}, v.Extras)
}

func TestParseValidate_NoExtras(t *testing.T) {
	v := ParseValidate("k", "p", url.Values{"port": {"1"}, "name": {"n"}})
	assert.Nil(t, v.Extras)
}

func TestRequiredFilter(t *testing.T) {
	f := RequiredFilter()

	assert.Nil(t, f(&Validate{Key: "k", Plugin: "p", Port: "1", Name: "n"}))

	p := f(&Validate{Key: "k", Plugin: "p"})
	require.NotNil(t, p)
	assert.Equal(t, "required", p.Filter)
	assert.Equal(t, "missing name, port", p.Detail)

	p = f(&Validate{})
	require.NotNil(t, p)
	assert.Equal(t, "missing key, name, pluginName, port", p.Detail)
}

func TestMaxLengthFilter(t *testing.T) {
	f := MaxLengthFilter(8)
	assert.Nil(t, f(&Validate{Key: "12345678", Name: "n"}))
	p := f(&Validate{Key: "k", Name: strings.Repeat("x", 9)})
	require.NotNil(t, p)
	assert.Equal(t, "length", p.Filter)
	assert.Contains(t, p.Detail, "name")
}

func TestPipeline_FirstProblemWins(t *testing.T) {
	v := &Validate{Name: strings.Repeat("x", 1000)}
	p := Pipeline(DefaultFilters(), v)
	require.NotNil(t, p)
	assert.Equal(t, "required", p.Filter)

	ok := &Validate{Key: "k", Plugin: "p", Port: "1", Name: "n"}
	assert.Nil(t, Pipeline(DefaultFilters(), ok))
}

func TestProblemError(t *testing.T) {
	p := &Problem{Filter: "required", Detail: "missing port"}
	assert.Equal(t, "required: missing port", p.Error())
}
