// Package capture renders a bundle once, off-screen, and returns a static
// snapshot of the result.
//
// Every Capture call creates a fresh render target that shares nothing with
// the live preview surfaces. The target is detached on every path out of
// Capture, including failures, so Host.Active drops back to zero once the
// call returns.
//
// Failures are reported as *CaptureError:
//
//	snap, err := host.Capture(ctx, bundle)
//	var ce *capture.CaptureError
//	if errors.As(err, &ce) {
//	    log.Printf("no thumbnail: %s", ce.Reason)
//	}
package capture
