// Package logging wraps zap for the preview server.
//
// Production loggers write JSON to stdout; development loggers write
// colored console lines to stderr. Every component takes an optional
// *Logger and falls back to a no-op one:
//
//	log := logging.OrNop(opts.Logger).Component("surface").ForSurface(id)
//	log.Info("Instance swapped", logging.Instance(inst.ID))
package logging
