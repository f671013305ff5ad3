package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{input: "", want: FormatTable},
		{input: "table", want: FormatTable},
		{input: "JSON", want: FormatJSON},
		{input: " yml ", want: FormatYAML},
		{input: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrint(t *testing.T) {
	table := NewTable("Metric", "Value")
	table.AddRow("flushed_blocks", 12)
	table.AddRow("allocated", "4.0 MiB")

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Print(&buf, FormatTable, table))
		out := buf.String()
		assert.Contains(t, out, "METRIC")
		assert.Contains(t, out, "flushed_blocks")
		assert.Contains(t, out, "12")
		assert.Contains(t, out, "4.0 MiB")
	})

	t.Run("table falls back to json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Print(&buf, FormatTable, map[string]int{"queued": 2}))
		assert.JSONEq(t, `{"queued":2}`, buf.String())
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Print(&buf, FormatYAML, map[string]int{"queued": 2}))
		assert.Equal(t, "queued: 2\n", buf.String())
	})

	t.Run("unknown", func(t *testing.T) {
		assert.Error(t, Print(&bytes.Buffer{}, Format("xml"), nil))
	})
}
