package attributes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/net-tracer/internal/facts"
)

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		fact       facts.Fact
		want       bool
	}{
		{
			name:       "server errors only",
			expression: `kind == "http_response" && status_code >= 500`,
			fact:       httpFact(502),
			want:       true,
		},
		{
			name:       "success rejected",
			expression: `kind == "http_response" && status_code >= 500`,
			fact:       httpFact(200),
			want:       false,
		},
		{
			name:       "other kind short-circuits",
			expression: `kind == "http_response" && status_code >= 500`,
			fact:       &facts.LostSamples{Count: 3},
			want:       false,
		},
		{
			name:       "drop epoch stats",
			expression: `kind != "epoch_stats"`,
			fact:       &facts.EpochStats{},
			want:       false,
		},
		{
			name:       "dns by name",
			expression: `kind == "dns_timeout" || name endsWith "internal."`,
			fact:       &facts.DNSResponse{DNSQuestion: facts.DNSQuestion{Name: "db.internal."}},
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := NewFilter(tt.expression)
			require.NoError(t, err)
			assert.Equal(t, tt.expression, filter.String())

			got, err := filter.Match(tt.fact)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilter_EmptyKeepsEverything(t *testing.T) {
	filter, err := NewFilter("")
	require.NoError(t, err)
	assert.Nil(t, filter)

	got, err := filter.Match(httpFact(200))
	require.NoError(t, err)
	assert.True(t, got)
}

func TestFilter_CompileError(t *testing.T) {
	_, err := NewFilter(`kind ==`)
	assert.Error(t, err)

	_, err = NewFilter(`"not a bool"`)
	assert.Error(t, err)
}

func TestFilter_RuntimeErrorRejects(t *testing.T) {
	filter, err := NewFilter(`count % (count - count) == 0`)
	require.NoError(t, err)

	got, err := filter.Match(&facts.LostSamples{Count: 1})
	assert.Error(t, err)
	assert.False(t, got)
}
