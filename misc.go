package merklesig

import (
	"errors"
	"fmt"
	goLog "log"

	"go.uber.org/zap"
)

// Kind of an Error.
type ErrorKind int

const (
	// An authentication tree could not be built over the one-time keys,
	// eg. because the batch is empty.
	TreeConstructionFailed ErrorKind = iota + 1

	// A one-time key could not be located in the tree.
	ProofGenerationFailed

	// A one-time key could not be generated or could not sign.
	SigningFailed

	// The inclusion proof does not resolve to the trusted root hash.
	InclusionProofInvalid

	// The signature does not verify under the public key in the proof.
	SignatureInvalid

	// Input could not be decoded.
	Malformed

	// Reading or writing a bundle or archive failed.
	Storage
)

func (kind ErrorKind) String() string {
	switch kind {
	case TreeConstructionFailed:
		return "tree construction failed"
	case ProofGenerationFailed:
		return "proof generation failed"
	case SigningFailed:
		return "signing failed"
	case InclusionProofInvalid:
		return "inclusion proof invalid"
	case SignatureInvalid:
		return "signature invalid"
	case Malformed:
		return "malformed"
	case Storage:
		return "storage"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(kind))
}

type Error interface {
	error
	Kind() ErrorKind // The category of failure
	Locked() bool    // Is this error because something (like a file) was locked?
	Inner() error    // Returns the wrapped error, if any
}

// Sentinels to compare against with errors.Is.  They match any Error of
// the same kind.
var (
	ErrTreeConstructionFailed Error = sentinel(TreeConstructionFailed)
	ErrProofGenerationFailed  Error = sentinel(ProofGenerationFailed)
	ErrSigningFailed          Error = sentinel(SigningFailed)
	ErrInclusionProofInvalid  Error = sentinel(InclusionProofInvalid)
	ErrSignatureInvalid       Error = sentinel(SignatureInvalid)
	ErrMalformed              Error = sentinel(Malformed)
	ErrStorage                Error = sentinel(Storage)
)

type errorImpl struct {
	kind   ErrorKind
	msg    string
	locked bool
	inner  error
}

func sentinel(kind ErrorKind) *errorImpl {
	return &errorImpl{kind: kind, msg: kind.String()}
}

func (err *errorImpl) Kind() ErrorKind { return err.kind }
func (err *errorImpl) Locked() bool    { return err.locked }
func (err *errorImpl) Inner() error    { return err.inner }
func (err *errorImpl) Unwrap() error   { return err.inner }

func (err *errorImpl) Is(target error) bool {
	other, ok := target.(*errorImpl)
	return ok && other.kind == err.kind
}

func (err *errorImpl) Error() string {
	if err.inner != nil {
		return fmt.Sprintf("%s: %s", err.msg, err.inner.Error())
	}
	return err.msg
}

// Formats a new Error
func errorf(kind ErrorKind, format string, a ...interface{}) *errorImpl {
	return &errorImpl{kind: kind, msg: fmt.Sprintf(format, a...)}
}

// Formats a new Error that wraps another
func wrapErrorf(kind ErrorKind, err error, format string,
	a ...interface{}) *errorImpl {
	return &errorImpl{kind: kind, msg: fmt.Sprintf(format, a...), inner: err}
}

// Returns the kind of the first Error in err's chain, or 0 if there is none.
func KindOf(err error) ErrorKind {
	var e Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return 0
}

type dummyLogger struct{}
type stdlibLogger struct{}
type zapLogger struct{ s *zap.SugaredLogger }

func (logger *dummyLogger) Logf(format string, a ...interface{}) {}

func (logger *stdlibLogger) Logf(format string, a ...interface{}) {
	goLog.Printf(format, a...)
}

func (logger *zapLogger) Logf(format string, a ...interface{}) {
	logger.s.Debugf(format, a...)
}

var log Logger = &dummyLogger{}

type Logger interface {
	Logf(format string, a ...interface{})
}

// Enables logging to log package.  For more flexibility, see SetLogger().
func EnableLogging() {
	SetLogger(&stdlibLogger{})
}

// Enables logging.  Disable logging by passing nil.
//
// Use EnableLogging if you want to log to the log package.
func SetLogger(logger Logger) {
	if logger == nil {
		log = &dummyLogger{}
		return
	}
	log = logger
}

// Returns a Logger that writes to the given zap logger at debug level.
func NewZapLogger(logger *zap.Logger) Logger {
	return &zapLogger{s: logger.Sugar()}
}
