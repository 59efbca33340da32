package config

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = nil
	return l
}

func TestConfig_LoadString(t *testing.T) {
	l := newTestLogger()

	c := NewC(l)
	assert.EqualError(t, c.LoadString(""), "Empty configuration")

	c = NewC(l)
	assert.NoError(t, c.LoadString("outer:\n  inner: hi\nnew: hi"))
	expected := map[string]any{
		"outer": map[string]any{
			"inner": "hi",
		},
		"new": "hi",
	}
	assert.Equal(t, expected, c.Settings)
}

func TestConfig_Get(t *testing.T) {
	l := newTestLogger()

	c := NewC(l)
	c.Settings["firewall"] = map[string]any{"outbound": "hi"}
	assert.Equal(t, "hi", c.Get("firewall.outbound"))

	inner := []any{map[string]any{"port": "1", "code": "2"}}
	c.Settings["firewall"] = map[string]any{"outbound": inner}
	assert.EqualValues(t, inner, c.Get("firewall.outbound"))

	assert.Nil(t, c.Get("firewall.nope"))
	assert.False(t, c.IsSet("firewall.nope"))
	assert.True(t, c.IsSet("firewall.outbound"))
}

func TestConfig_GetStringSlice(t *testing.T) {
	l := newTestLogger()
	c := NewC(l)
	c.Settings["slice"] = []any{"one", "two"}
	assert.Equal(t, []string{"one", "two"}, c.GetStringSlice("slice", []string{}))
	assert.Equal(t, []string{"default"}, c.GetStringSlice("missing", []string{"default"}))
}

func TestConfig_GetBool(t *testing.T) {
	l := newTestLogger()
	c := NewC(l)

	c.Settings["bool"] = true
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "true"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = false
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "Y"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "nO"
	assert.Equal(t, false, c.GetBool("bool", true))
}

func TestConfig_GetInt(t *testing.T) {
	l := newTestLogger()
	c := NewC(l)

	c.Settings["queues"] = "4"
	assert.Equal(t, 4, c.GetInt("queues", 1))
	assert.Equal(t, 1, c.GetInt("missing", 1))
}

func TestConfig_GetDuration(t *testing.T) {
	l := newTestLogger()
	c := NewC(l)

	c.Settings["timeout"] = "5s"
	assert.Equal(t, 5_000_000_000, int(c.GetDuration("timeout", 0)))
}
