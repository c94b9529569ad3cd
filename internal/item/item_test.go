package item

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsFetchFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"status", &FetchError{Source: "sn", Status: 503}, true},
		{"transport wrapped", fmt.Errorf("poll: %w", &FetchError{Source: "sn", Err: io.EOF}), true},
		{"parse", &ParseError{Source: "sn", Err: errors.New("bad json")}, true},
		{"other", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsFetchFailure(tt.err))
		})
	}
}

func TestFetchErrorMessage(t *testing.T) {
	require.Equal(t, "fetch sn: status 401", (&FetchError{Source: "sn", Status: 401}).Error())
	err := &FetchError{Source: "sn", Err: io.ErrUnexpectedEOF}
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
