package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	d, err := Parse([]byte(`{"path":"/bin/true","args":[]}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, "/bin/true", d.Path)
	assert.Equal(t, []string{"/bin/true"}, d.Argv())
	assert.Nil(t, d.Environ())

	d, err = Parse([]byte(" \t{\"path\":\"/bin/true\"}  \r\n"))
	require.NoError(t, err, "surrounding whitespace is not trailing data")
	assert.Equal(t, "/bin/true", d.Path)

	d, err = Parse([]byte(`{"path":"/bin/echo","args":["a","b"],"env":{"B":"2","A":"1"},"trace":"file","memory":64}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/echo", "a", "b"}, d.Argv())
	assert.Equal(t, "file", d.Trace)
	assert.Equal(t, int64(64), d.Memory)
	env := d.Environ()
	require.GreaterOrEqual(t, len(env), 2)
	assert.Equal(t, []string{"A=1", "B=2"}, env[len(env)-2:])
}

func TestParseMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `hello`,
		"empty path":      `{"args":["x"]}`,
		"unknown field":   `{"path":"/bin/true","Command":["x"]}`,
		"bad trace":       `{"path":"/bin/true","trace":"file;rm"}`,
		"negative memory": `{"path":"/bin/true","memory":-1}`,
		"bad env key":     `{"path":"/bin/true","env":{"A=B":"C"}}`,
		"trailing":        `{"path":"/bin/true"} {"path":"/bin/false"}`,
		"array":           `["/bin/true"]`,
		"stray bracket":   `{"path":"/bin/true"}]`,
		"stray brace":     `{"path":"/bin/true"}}`,
		"trailing junk":   `{"path":"/bin/true"} x`,
	}
	for name, line := range cases {
		line := line
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(line))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestIsBlank(t *testing.T) {
	assert.True(t, IsBlank([]byte("\n")))
	assert.True(t, IsBlank([]byte("  \t\r\n")))
	assert.False(t, IsBlank([]byte(`{}`)))
}

func TestIsTraceExpression(t *testing.T) {
	assert.True(t, IsTraceExpression("file"))
	assert.True(t, IsTraceExpression("process_Net-2"))
	assert.False(t, IsTraceExpression(""))
	assert.False(t, IsTraceExpression("a,b"))
	assert.False(t, IsTraceExpression("a b"))
}

func TestSortedPairs(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=", "C=x=y"}, SortedPairs(map[string]string{"C": "x=y", "A": "1", "B": ""}))
	assert.Empty(t, SortedPairs(nil))
}
