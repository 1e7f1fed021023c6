package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("KORA_TEST_VALUE", "hello")
	t.Setenv("KORA_TEST_PORT", "8080")

	out := ExpandEnv([]byte("greeting: {{.KORA_TEST_VALUE}}\naddr: host:{{.KORA_TEST_PORT}}"))
	assert.Equal(t, "greeting: hello\naddr: host:8080", string(out))
}

func TestExpandEnvMissingVariable(t *testing.T) {
	out := ExpandEnv([]byte("value: {{.KORA_DEFINITELY_UNSET_VAR}}"))
	assert.Equal(t, "value: ", string(out))
}

func TestExpandEnvPreservesLiteralDollar(t *testing.T) {
	in := []byte(`pattern: "^secret.*$"` + "\n" + `password: "p@ss$word"`)
	assert.Equal(t, string(in), string(ExpandEnv(in)))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	in := []byte("broken: {{.unclosed")
	assert.Equal(t, string(in), string(ExpandEnv(in)))
}
