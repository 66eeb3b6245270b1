package ccrouter

import (
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MessagingStub sends messages to one address.
//
// Transmit must not block on network I/O. It calls exactly one of onSuccess
// or onFailure, at most once.
type MessagingStub interface {
	Transmit(msg *ImmutableMessage, onSuccess func(), onFailure func(error))
}

// MessagingStubFactory creates stubs for addresses of one kind.
type MessagingStubFactory interface {
	Create(addr Address) (MessagingStub, error)
}

// MessagingStubFactoryFunc adapts a function to MessagingStubFactory.
type MessagingStubFactoryFunc func(addr Address) (MessagingStub, error)

// Create calls f(addr).
func (f MessagingStubFactoryFunc) Create(addr Address) (MessagingStub, error) {
	return f(addr)
}

// DefaultStubCacheSize is the number of stubs kept by a StubFactoryRegistry.
const DefaultStubCacheSize = 1024

// StubFactoryRegistry dispatches stub creation on the address kind and keeps
// recently used stubs. Evicted stubs implementing io.Closer are closed.
type StubFactoryRegistry struct {
	mu        sync.RWMutex
	factories map[AddressKind]MessagingStubFactory
	cache     *lru.Cache[Address, MessagingStub]
}

// NewStubFactoryRegistry creates a registry caching up to cacheSize stubs.
func NewStubFactoryRegistry(cacheSize int) *StubFactoryRegistry {
	if cacheSize <= 0 {
		cacheSize = DefaultStubCacheSize
	}

	cache, err := lru.NewWithEvict(cacheSize, func(_ Address, stub MessagingStub) {
		if c, ok := stub.(io.Closer); ok {
			_ = c.Close()
		}
	})
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}

	return &StubFactoryRegistry{
		factories: make(map[AddressKind]MessagingStubFactory),
		cache:     cache,
	}
}

// Register binds factory to kind, replacing any previous binding.
func (r *StubFactoryRegistry) Register(kind AddressKind, factory MessagingStubFactory) {
	r.mu.Lock()
	r.factories[kind] = factory
	r.mu.Unlock()
}

// Create returns the cached stub for addr or creates one.
// An address kind without factory yields a ConfigurationError.
func (r *StubFactoryRegistry) Create(addr Address) (MessagingStub, error) {
	if stub, ok := r.cache.Get(addr); ok {
		return stub, nil
	}

	kind := KindOf(addr)

	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, NewConfigurationError("stub factory", fmt.Errorf("%w: %s", ErrNoStubFactory, kind))
	}

	stub, err := factory.Create(addr)
	if err != nil {
		return nil, err
	}

	r.cache.Add(addr, stub)
	return stub, nil
}

// Remove drops the cached stub of addr.
func (r *StubFactoryRegistry) Remove(addr Address) {
	r.cache.Remove(addr)
}

// Len returns the number of cached stubs.
func (r *StubFactoryRegistry) Len() int {
	return r.cache.Len()
}

// Close drops all cached stubs.
func (r *StubFactoryRegistry) Close() {
	r.cache.Purge()
}
