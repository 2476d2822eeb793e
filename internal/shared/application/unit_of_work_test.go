package application

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type txMarker struct{}

type mockUnitOfWork struct {
	mock.Mock
}

func (m *mockUnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	args := m.Called(ctx)
	return args.Get(0).(context.Context), args.Error(1)
}

func (m *mockUnitOfWork) Commit(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockUnitOfWork) Rollback(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestWithUnitOfWork(t *testing.T) {
	t.Run("commits after fn succeeds", func(t *testing.T) {
		uow := new(mockUnitOfWork)
		ctx := context.Background()
		txCtx := context.WithValue(ctx, txMarker{}, "open")
		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Commit", txCtx).Return(nil)

		var got context.Context
		err := WithUnitOfWork(ctx, uow, func(ctx context.Context) error {
			got = ctx
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, txCtx, got, "fn runs inside the transaction context")
		uow.AssertExpectations(t)
	})

	t.Run("rolls back and returns the fn error untouched", func(t *testing.T) {
		uow := new(mockUnitOfWork)
		ctx := context.Background()
		txCtx := context.WithValue(ctx, txMarker{}, "open")
		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Rollback", txCtx).Return(nil)

		fnErr := errors.New("enroll failed")
		err := WithUnitOfWork(ctx, uow, func(context.Context) error { return fnErr })

		assert.Equal(t, fnErr, err)
		uow.AssertExpectations(t)
		uow.AssertNotCalled(t, "Commit", mock.Anything)
	})

	t.Run("begin failure short-circuits", func(t *testing.T) {
		uow := new(mockUnitOfWork)
		ctx := context.Background()
		beginErr := errors.New("pool exhausted")
		uow.On("Begin", ctx).Return(ctx, beginErr)

		ran := false
		err := WithUnitOfWork(ctx, uow, func(context.Context) error {
			ran = true
			return nil
		})

		assert.Equal(t, beginErr, err)
		assert.False(t, ran, "fn must not run when begin fails")
		uow.AssertExpectations(t)
	})

	t.Run("surfaces commit errors", func(t *testing.T) {
		uow := new(mockUnitOfWork)
		ctx := context.Background()
		txCtx := context.WithValue(ctx, txMarker{}, "open")
		commitErr := errors.New("commit failed")
		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Commit", txCtx).Return(commitErr)

		err := WithUnitOfWork(ctx, uow, func(context.Context) error { return nil })

		assert.Equal(t, commitErr, err)
		uow.AssertExpectations(t)
	})

	t.Run("fn error wins over rollback error", func(t *testing.T) {
		uow := new(mockUnitOfWork)
		ctx := context.Background()
		txCtx := context.WithValue(ctx, txMarker{}, "open")
		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Rollback", txCtx).Return(errors.New("rollback failed"))

		fnErr := errors.New("enroll failed")
		err := WithUnitOfWork(ctx, uow, func(context.Context) error { return fnErr })

		assert.Equal(t, fnErr, err)
		uow.AssertExpectations(t)
	})
}

func TestNoopUnitOfWork(t *testing.T) {
	uow := NoopUnitOfWork{}
	ctx := context.Background()

	txCtx, err := uow.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, ctx, txCtx)
	assert.NoError(t, uow.Commit(ctx))
	assert.NoError(t, uow.Rollback(ctx))

	err = WithUnitOfWork(ctx, uow, func(context.Context) error { return nil })
	assert.NoError(t, err)
}
