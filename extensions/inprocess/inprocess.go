// Package inprocess delivers messages to skeletons living in the same process.
package inprocess

import (
	"fmt"

	"github.com/vitalvas/ccrouter"
)

// SkeletonFunc adapts a function to ccrouter.InProcessSkeleton.
// Use a pointer to it as skeleton so the address stays comparable.
type SkeletonFunc func(msg *ccrouter.ImmutableMessage) error

// Receive calls f(msg).
func (f *SkeletonFunc) Receive(msg *ccrouter.ImmutableMessage) error {
	return (*f)(msg)
}

// NewAddress returns an address routing to fn.
func NewAddress(fn func(msg *ccrouter.ImmutableMessage) error) ccrouter.InProcessAddress {
	skeleton := SkeletonFunc(fn)
	return ccrouter.InProcessAddress{Skeleton: &skeleton}
}

// StubFactory creates stubs for ccrouter.InProcessAddress values.
type StubFactory struct{}

// NewStubFactory creates a factory.
func NewStubFactory() *StubFactory {
	return &StubFactory{}
}

// Create returns a stub calling the skeleton of addr.
func (f *StubFactory) Create(addr ccrouter.Address) (ccrouter.MessagingStub, error) {
	inProc, ok := addr.(ccrouter.InProcessAddress)
	if !ok || inProc.Skeleton == nil {
		return nil, ccrouter.NewConfigurationError("inprocess stub factory",
			fmt.Errorf("%w: %s", ccrouter.ErrNoStubFactory, ccrouter.KindOf(addr)))
	}
	return &Stub{skeleton: inProc.Skeleton}, nil
}

// Stub hands messages to a skeleton.
type Stub struct {
	skeleton ccrouter.InProcessSkeleton
}

// Transmit delivers msg synchronously.
func (s *Stub) Transmit(msg *ccrouter.ImmutableMessage, onSuccess func(), onFailure func(error)) {
	if err := s.skeleton.Receive(msg); err != nil {
		onFailure(err)
		return
	}
	onSuccess()
}
