package merklesig

import (
	"io"

	"github.com/bwesterb/go-merklesig/digest"
)

// Merkle signature instance for one hash algorithm.
// Create one using NewContext, NewContextFromName or NewContextFromID.
type Context struct {
	// Number of worker goroutines ("threads") to use for expensive operations.
	// Will guess an appropriate number if set to 0.
	Threads int

	// Source of randomness for the one-time keys.  Uses crypto/rand if nil.
	// If set, keys are generated sequentially in message order, so that
	// a deterministic reader yields deterministic keys.
	Rand io.Reader

	// Records signing and verification in Prometheus, if set.
	Metrics *Metrics

	alg digest.Algorithm
}

// Creates a new context for the given hash algorithm.
// Returns nil if alg is nil or not registered in the digest package, as
// signatures made with it could not be decoded again.  See digest.Register.
func NewContext(alg digest.Algorithm) *Context {
	if !digest.Registered(alg) {
		return nil
	}
	return &Context{alg: alg}
}

// Returns the context for the hash algorithm with the given name,
// see digest.ListNames().  Returns nil if the name is unknown.
func NewContextFromName(name string) *Context {
	return NewContext(digest.FromName(name))
}

// Returns the context for the hash algorithm with the given identifier.
// Returns nil if the identifier is unknown.
func NewContextFromID(id digest.ID) *Context {
	return NewContext(digest.FromID(id))
}

func (ctx *Context) threads() int {
	if ctx == nil {
		return 0
	}
	return ctx.Threads
}

func (ctx *Context) metrics() *Metrics {
	if ctx == nil {
		return nil
	}
	return ctx.Metrics
}

// Returns the hash algorithm of this context.
func (ctx *Context) Algorithm() digest.Algorithm {
	return ctx.alg
}

// Returns the name of the hash algorithm.
func (ctx *Context) Name() string {
	return ctx.alg.Name()
}

func (ctx *Context) String() string {
	return "merklesig-" + ctx.alg.Name()
}
