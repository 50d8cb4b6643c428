// Package config holds the tunables every store component is built
// from, mirroring the plain-struct configuration style the original
// implementation used (no functional options — this store is embedded,
// not a server with a config file).
package config

import "github.com/sirupsen/logrus"

// Options configures a Store and the components it owns.
type Options struct {
	// MemtableByteBudget is the approximate in-memory size, in bytes,
	// a memtable may reach before it is flushed to a level-0 run.
	MemtableByteBudget int64

	// BufferPoolMaxPages bounds how many 4096-byte pages the buffer
	// pool keeps resident at once.
	BufferPoolMaxPages int

	// BucketCapacity is the number of pages an extendible-hash bucket
	// holds before it splits. A bucket that cannot split because the
	// directory is at MaxGlobalDepth holds more than this.
	BucketCapacity int

	// InitialGlobalDepth and MaxGlobalDepth bound the buffer pool's
	// directory: it starts with 2^InitialGlobalDepth slots and never
	// grows past 2^MaxGlobalDepth.
	InitialGlobalDepth int
	MaxGlobalDepth     int

	// Level0MaxRuns is how many level-0 runs accumulate before they
	// are all merged down into level 1.
	Level0MaxRuns int

	// SizeRatio is the capacity multiplier between level i and i+1
	// for i >= 1.
	SizeRatio int

	// MaxLevels bounds how many levels the level manager will create.
	MaxLevels int

	// UseAlignedIO requests O_DIRECT-style unbuffered I/O where the
	// platform supports it, falling back to buffered I/O otherwise.
	UseAlignedIO bool

	// Logger receives structured log output from every component.
	// A nil Logger gets replaced by a default logrus.Logger at Info
	// level, or at Debug level when Debug is set.
	Logger *logrus.Logger

	// Debug turns on the buffer pool and level manager's verbose,
	// per-page/per-run log lines.
	Debug bool
}

// Default returns reasonable out-of-the-box tunables for a small
// single-node deployment.
func Default() Options {
	return Options{
		MemtableByteBudget: 1 * 1024 * 1024,
		BufferPoolMaxPages: 2560,
		BucketCapacity:     4,
		InitialGlobalDepth: 2,
		MaxGlobalDepth:     10,
		Level0MaxRuns:      4,
		SizeRatio:          2,
		MaxLevels:          5,
		UseAlignedIO:       true,
		Logger:             nil,
		Debug:              false,
	}
}

// WithDefaults fills any zero-valued field of o with the corresponding
// Default() field, returning the result. Options passed to Open should
// be run through this before use.
func (o Options) WithDefaults() Options {
	d := Default()
	if o.MemtableByteBudget <= 0 {
		o.MemtableByteBudget = d.MemtableByteBudget
	}
	if o.BufferPoolMaxPages <= 0 {
		o.BufferPoolMaxPages = d.BufferPoolMaxPages
	}
	if o.BucketCapacity <= 0 {
		o.BucketCapacity = d.BucketCapacity
	}
	if o.InitialGlobalDepth <= 0 {
		o.InitialGlobalDepth = d.InitialGlobalDepth
	}
	if o.MaxGlobalDepth <= 0 {
		o.MaxGlobalDepth = d.MaxGlobalDepth
	}
	if o.Level0MaxRuns <= 0 {
		o.Level0MaxRuns = d.Level0MaxRuns
	}
	if o.SizeRatio <= 0 {
		o.SizeRatio = d.SizeRatio
	}
	if o.MaxLevels <= 0 {
		o.MaxLevels = d.MaxLevels
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		if !o.Debug {
			o.Logger.SetLevel(logrus.InfoLevel)
		} else {
			o.Logger.SetLevel(logrus.DebugLevel)
		}
	}
	return o
}
