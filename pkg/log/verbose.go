package log

// Verbose .
type Verbose bool

// DefaultVerboseLevel default Verbose level.
var DefaultVerboseLevel int32

// V enable verbose log.
// v must be more than 0.
func V(v int32) Verbose {
	return Verbose(v <= DefaultVerboseLevel)
}

// Infof logs a message at the info log level.
func (v Verbose) Infof(format string, args ...interface{}) {
	if v {
		logf(_infoLevel, format, args...)
	}
}

// Info logs a message at the info log level.
func (v Verbose) Info(args ...interface{}) {
	if v {
		logs(_infoLevel, args...)
	}
}
