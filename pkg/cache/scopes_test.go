package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeScopes(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{name: "empty", input: nil, want: []string{}},
		{name: "lower and sort", input: []string{"Write", "read"}, want: []string{"read", "write"}},
		{name: "dedupe", input: []string{"read", "READ", " read "}, want: []string{"read"}},
		{name: "space separated", input: []string{"read write", "admin"}, want: []string{"admin", "read", "write"}},
		{name: "reserved removed", input: []string{"openid", "profile", "offline_access", "api://x/.default"}, want: []string{"api://x/.default"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeScopes(tt.input))
		})
	}
}

func TestTarget(t *testing.T) {
	assert.Equal(t, "a b c", Target([]string{"c", "B", "a", "openid"}))
	assert.Equal(t, "", Target([]string{"openid"}))
}

func TestTargetContains(t *testing.T) {
	assert.True(t, targetContains("read write", []string{"read"}))
	assert.True(t, targetContains("write read", []string{"read", "write"}))
	assert.True(t, targetContains("read", nil))
	assert.False(t, targetContains("read", []string{"write"}))
}

func TestUnixTime_JSON(t *testing.T) {
	ts := NewUnixTime(time.Date(2026, 1, 2, 3, 4, 5, 999, time.UTC))

	data, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"1767323045"`, string(data))

	var got UnixTime
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ts, got)

	require.NoError(t, json.Unmarshal([]byte(`1767323045`), &got))
	assert.Equal(t, ts, got)

	require.NoError(t, json.Unmarshal([]byte(`""`), &got))
	assert.True(t, got.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &got))
}
