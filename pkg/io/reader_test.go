package io

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 3, 20, 10, 15, 30, 0, time.UTC)

	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{name: "rfc3339", in: "2024-03-20T10:15:30Z", want: want},
		{name: "rfc3339 offset", in: "2024-03-20T19:15:30+09:00", want: want},
		{name: "iso local", in: "2024-03-20T10:15:30", want: want},
		{name: "iso local fraction", in: "2024-03-20T10:15:30.250000", want: want.Add(250 * time.Millisecond)},
		{name: "datetime", in: "2024-03-20 10:15:30", want: want},
		{name: "unix millis", in: "1710929730000", want: want},
		{name: "garbage", in: "yesterday", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}
