package config

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendEmail struct {
	To string `json:"to"`
}

func (s *sendEmail) Kind() string                 { return "send_email" }
func (s *sendEmail) Handle(context.Context) error { return nil }

func TestJobHandler_Register(t *testing.T) {
	jh := NewJobHandler()

	require.NoError(t, jh.RegisterFunc("send_sms", func(ctx context.Context, data json.RawMessage) error { return nil }))
	assert.True(t, jh.Exists("send_sms"))
	assert.False(t, jh.Exists("missing"))

	err := jh.RegisterFunc("send_sms", func(ctx context.Context, data json.RawMessage) error { return nil })
	assert.ErrorContains(t, err, "already registered")

	assert.Error(t, jh.Register("", nil))
	assert.Error(t, jh.RegisterFunc("nil_fn", nil))
}

func TestJobHandler_ResolveFunc(t *testing.T) {
	jh := NewJobHandler()

	var received string
	require.NoError(t, jh.RegisterFunc("send_sms", func(ctx context.Context, data json.RawMessage) error {
		received = string(data)
		return errors.New("provider down")
	}))

	item, err := jh.Resolve("send_sms", json.RawMessage(`{"to":"+1"}`))
	require.NoError(t, err)
	assert.Equal(t, "send_sms", item.Kind())

	err = item.Handle(context.Background())
	assert.EqualError(t, err, "provider down")
	assert.Equal(t, `{"to":"+1"}`, received)

	job, err := types.NewJob(item)
	require.NoError(t, err)
	assert.JSONEq(t, `{"to":"+1"}`, string(job.Payload.Data))
}

func TestJobHandler_ResolveUnknown(t *testing.T) {
	jh := NewJobHandler()

	_, err := jh.Resolve("missing", nil)
	var jobErr *custom_errors.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "missing", jobErr.Kind)
	assert.ErrorIs(t, err, custom_errors.ErrHandlerNotFound)
}

func TestRegisterType(t *testing.T) {
	jh := NewJobHandler()
	require.NoError(t, RegisterType[sendEmail](jh))
	assert.Equal(t, []string{"send_email"}, jh.List())

	item, err := jh.Resolve("send_email", json.RawMessage(`{"to":"a@b.c"}`))
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", item.(*sendEmail).To)

	_, err = jh.Resolve("send_email", json.RawMessage(`{"to":`))
	var jobErr *custom_errors.JobError
	assert.ErrorAs(t, err, &jobErr)
}

func TestJobHandler_List(t *testing.T) {
	jh := NewJobHandler()
	for _, kind := range []string{"b", "c", "a"} {
		require.NoError(t, jh.RegisterFunc(kind, func(ctx context.Context, data json.RawMessage) error { return nil }))
	}
	assert.Equal(t, []string{"a", "b", "c"}, jh.List())
}
