package pulse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOperationFinishTransitionsToDone(t *testing.T) {
	op := newOperation(nil)
	assert.Equal(t, OperationRunning, op.State())
	op.finish()
	assert.Equal(t, OperationDone, op.State())

	select {
	case <-op.done:
	case <-time.After(time.Second):
		t.Fatal("Wait channel never closed on finish")
	}
}

func TestOperationCancelInvokesCancelFunc(t *testing.T) {
	called := make(chan struct{}, 1)
	op := newOperation(func() { called <- struct{}{} })
	op.Cancel()
	assert.Equal(t, OperationCancelled, op.State())

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("cancel func never invoked")
	}
}

func TestOperationFinishAfterCancelIsNoop(t *testing.T) {
	op := newOperation(nil)
	op.Cancel()
	op.finish()
	assert.Equal(t, OperationCancelled, op.State())
}

func TestOperationCancelAfterFinishIsNoop(t *testing.T) {
	called := make(chan struct{}, 1)
	op := newOperation(func() { called <- struct{}{} })
	op.finish()
	op.Cancel()
	assert.Equal(t, OperationDone, op.State())
	select {
	case <-called:
		t.Fatal("cancel func invoked after operation already finished")
	default:
	}
}
