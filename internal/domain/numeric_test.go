package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  *float64
	}{
		{"decimal comma", "12,5", ptr(12.5)},
		{"decimal point", "12.5", ptr(12.5)},
		{"padded", "  7 ", ptr(7)},
		{"float", 10.2, ptr(10.2)},
		{"int", 7, ptr(7)},
		{"json number", json.Number("3.25"), ptr(3.25)},
		{"letters", "abc", nil},
		{"empty", "", nil},
		{"two commas", "1,2,3", nil},
		{"nil", nil, nil},
		{"bool", true, nil},
		{"nan", "NaN", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDecimal(tt.input)
			if tt.want == nil {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.InDelta(t, *tt.want, *got, 1e-9)
		})
	}
}

func TestParseMillis(t *testing.T) {
	require.Nil(t, parseMillis(nil))
	require.Nil(t, parseMillis(-5))
	require.Equal(t, int64(1500), *parseMillis("1499,6"))
}

func TestErrorMatching(t *testing.T) {
	err := &Error{Kind: KindConflict, Reason: ReasonAlreadyCompleted, Detail: "workout already completed"}
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, err, ErrAlreadyCompleted)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Equal(t, "workout already completed", PublicMessage(err))
	require.Equal(t, "storage unavailable", PublicMessage(storeError("load", errNoop)))
}

var errNoop = &Error{Kind: KindStore}

func ptr(f float64) *float64 { return &f }
