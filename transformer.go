package textpool

import "context"

// TextTransformer is the external capability that performs the actual
// text transformation. Instances are stateful and resource-constrained
// (e.g. one automated browser session each), so they are pooled and
// handed out exclusively: the scheduler never invokes Prepare or
// Transform concurrently on the same instance.
//
// Both methods receive the per-attempt context, which carries the
// scheduler's job timeout. Implementations must honor context
// cancellation: when an attempt times out the scheduler abandons it and
// releases the pool slot, and a transformer that keeps running past
// cancellation would still be busy when the slot is next checked out.
type TextTransformer interface {
	// Prepare verifies the instance is in a usable state (for a browser
	// session, that the login session is still valid). A Prepare error is
	// an ordinary retryable failure.
	Prepare(ctx context.Context) error

	// Transform performs one unit of work. It may take an unbounded
	// amount of wall-clock time; the scheduler imposes its own timeout
	// rather than trusting the capability to bound itself.
	Transform(ctx context.Context, text string, options TransformOptions) (string, error)

	// Close shuts the instance down, releasing whatever external
	// resource backs it.
	Close() error
}

// TransformerFactory constructs one TextTransformer instance. It is
// called once per pool slot at pool construction.
type TransformerFactory func(ctx context.Context) (TextTransformer, error)
