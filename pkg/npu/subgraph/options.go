// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package subgraph

import (
	"os"
	"strings"

	"github.com/gomlx/npuc/pkg/npu/nn"
	"github.com/pkg/errors"
)

// NPUC_DEBUG is the environment variable with the default driver options.
//
// The format is a comma-separated list of flags, e.g. "no_batching,parallel". See ParseOptions.
const NPUC_DEBUG = "NPUC_DEBUG"

// Options of the driver.
type Options struct {
	// NoBatching flushes and waits after every instruction, so intermediate buffers can be inspected.
	NoBatching bool

	// Parallel tags every instruction with its own slot, letting the front-end overlap them.
	Parallel bool

	// Cache of compiled coefficients. Optional.
	Cache nn.CoefficientCache
}

var optionFlags = map[string]func(o *Options){
	"no_batching": func(o *Options) { o.NoBatching = true },
	"parallel":    func(o *Options) { o.Parallel = true },
}

// ParseOptions parses a comma-separated list of flags:
//
//   - "no_batching": flush and wait after every instruction.
//   - "parallel": parallel instruction slots.
//
// Empty entries are ignored and unknown flags return an error.
func ParseOptions(config string) (Options, error) {
	var o Options
	for _, key := range strings.Split(config, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		set, found := optionFlags[key]
		if !found {
			return o, errors.Errorf("unknown driver option %q in %q", key, config)
		}
		set(&o)
	}
	return o, nil
}

// OptionsFromEnv parses the options in the NPUC_DEBUG environment variable, if set.
func OptionsFromEnv() (Options, error) {
	config, found := os.LookupEnv(NPUC_DEBUG)
	if !found {
		return Options{}, nil
	}
	o, err := ParseOptions(config)
	if err != nil {
		return o, errors.WithMessagef(err, "parsing $%s", NPUC_DEBUG)
	}
	return o, nil
}

// String returns the options in the format accepted by ParseOptions.
func (o Options) String() string {
	var keys []string
	if o.NoBatching {
		keys = append(keys, "no_batching")
	}
	if o.Parallel {
		keys = append(keys, "parallel")
	}
	return strings.Join(keys, ",")
}
