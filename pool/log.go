package pool

// Syslog priority levels passed to a LoggerFunc
const (
	LvlEMERG int = iota // Not to be used by applications.
	LvlALERT
	LvlCRIT
	LvlERROR
	LvlWARN
	LvlNOTICE
	LvlINFO
	LvlDEBUG
)

// A LoggerFunc can be set with the Logger() option to have pool events logged
// by a custom log library. kv is a list of alternating keys and values.
// It must be go-routine safe.
type LoggerFunc func(level int, msg string, kv ...interface{})

func (o *Options) log(level int, msg string, kv ...interface{}) {
	if o.Logger != nil {
		o.Logger(level, msg, kv...)
	}
}
