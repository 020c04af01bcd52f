package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/lookout/internal/model"
)

type stubReader struct {
	records []model.Record
	err     error
	tags    []string
	typ     model.EntryType
}

func (r *stubReader) GetAll(context.Context) ([]model.Record, error) { return r.records, r.err }

func (r *stubReader) GetByID(_ context.Context, id string) (*model.Record, error) {
	if r.err != nil {
		return nil, r.err
	}
	for i := range r.records {
		if r.records[i].ID == id {
			return &r.records[i], nil
		}
	}
	return nil, nil
}

func (r *stubReader) GetByType(_ context.Context, t model.EntryType) ([]model.Record, error) {
	r.typ = t
	return r.records, r.err
}

func (r *stubReader) GetByTags(_ context.Context, tags []string) ([]model.Record, error) {
	r.tags = tags
	return r.records, r.err
}

func (r *stubReader) GetByBatch(context.Context, string) ([]model.Record, error) {
	return r.records, r.err
}

func (r *stubReader) GetPeriod(context.Context, model.Period) ([]model.Record, error) {
	return r.records, r.err
}

func TestService_BestEffortSwallowsErrors(t *testing.T) {
	svc := NewService(&stubReader{err: errors.New("database is locked")}, nil)
	ctx := context.Background()

	all, err := svc.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	rec, err := svc.ByID(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, rec)

	byTags, err := svc.ByTags(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, byTags)
}

func TestService_StrictReturnsErrors(t *testing.T) {
	cause := errors.New("database is locked")
	svc := NewService(&stubReader{err: cause}, nil)
	ctx := Strict(context.Background())

	_, err := svc.All(ctx)
	assert.ErrorIs(t, err, cause)

	_, err = svc.ByID(ctx, "x")
	assert.ErrorIs(t, err, cause)

	_, err = svc.Period(ctx, "7d")
	assert.ErrorIs(t, err, cause)
}

func TestService_ByTypeValidates(t *testing.T) {
	r := &stubReader{records: []model.Record{{ID: "1"}}}
	svc := NewService(r, nil)

	_, err := svc.ByType(context.Background(), "bogus")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	got, err := svc.ByType(context.Background(), " Request ")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, model.TypeRequest, r.typ)
}

func TestService_ByTagsCleansInput(t *testing.T) {
	r := &stubReader{records: []model.Record{{ID: "1"}}}
	svc := NewService(r, nil)

	got, err := svc.ByTags(context.Background(), []string{" ", ""})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Nil(t, r.tags, "reader not consulted for an empty tag set")

	_, err = svc.ByTags(context.Background(), []string{" Auth:1 ", "slow"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Auth:1", "slow"}, r.tags)
}

func TestService_NilListsBecomeEmpty(t *testing.T) {
	svc := NewService(&stubReader{}, nil)
	got, err := svc.ByBatch(context.Background(), "b")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestService_PeriodRejectsUnknown(t *testing.T) {
	svc := NewService(&stubReader{}, nil)
	_, err := svc.Period(context.Background(), "1y")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
