package op

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stowload/internal/step/item"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"create", TypeCreate, false},
		{"READ", TypeRead, false},
		{" Update ", TypeUpdate, false},
		{"delete", TypeDelete, false},
		{"noop", TypeNoop, false},
		{"list", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatus(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusActive.Terminal())
	for _, s := range []Status{StatusSucc, StatusFailIO, StatusFailTimeout, StatusFailDataCorrupted, StatusFailNotFound, StatusInterrupted} {
		assert.True(t, s.Terminal(), s.String())
	}
	assert.Equal(t, "fail_data_corrupted", StatusFailDataCorrupted.String())
	assert.Equal(t, "unknown", Status(99).String())
}

func TestOperation_Lifecycle(t *testing.T) {
	o := New(TypeRead, item.Item{Name: "a"})
	assert.Equal(t, StatusPending, o.Status)

	o.Begin()
	assert.Equal(t, StatusActive, o.Status)
	time.Sleep(2 * time.Millisecond)
	o.MarkResponse()
	first := o.RespLatency
	o.MarkResponse()
	assert.Equal(t, first, o.RespLatency, "response latency is recorded once")

	o.Finish(StatusSucc, nil)
	assert.True(t, o.Succeeded())
	assert.GreaterOrEqual(t, o.Duration, o.RespLatency)
}

func TestOperation_FinishWithoutResponse(t *testing.T) {
	o := New(TypeDelete, item.Item{Name: "a"})
	o.Begin()
	o.Finish(StatusFailIO, errors.New("boom"))

	assert.False(t, o.Succeeded())
	assert.Equal(t, o.Duration, o.RespLatency)
	assert.EqualError(t, o.Err, "boom")
}

func TestOutputFunc(t *testing.T) {
	var got []*Operation
	var out Output = OutputFunc(func(o *Operation) { got = append(got, o) })

	o := New(TypeNoop, item.Item{Name: "x"})
	out.Put(o)
	assert.Equal(t, []*Operation{o}, got)
}
