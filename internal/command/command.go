// Package command turns raw command lines into model.CommandSpec values.
//
// A line has the form
//
//	[&] <name> [args...] [-n instances] [-d seconds] [-p seconds] [-m workers]
//
// where a leading & runs the command in the background. Flags may appear
// anywhere after the name.
package command

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/seantiz/jobrunner/internal/model"
)

var (
	// ErrEmptyLine is returned for blank lines and comments.
	ErrEmptyLine = errors.New("empty line")

	// ErrSyntax is returned when a line cannot be parsed.
	ErrSyntax = errors.New("syntax error")
)

const backgroundMarker = "&"

// maxSeconds is the longest -d or -p value that fits in a time.Duration.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// Parse parses a single command line.
func Parse(line string) (model.CommandSpec, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return model.CommandSpec{}, ErrEmptyLine
	}

	fields := strings.Fields(trimmed)
	background := false
	if fields[0] == backgroundMarker {
		background = true
		fields = fields[1:]
	} else if rest, ok := strings.CutPrefix(fields[0], backgroundMarker); ok {
		background = true
		fields[0] = rest
	}
	if len(fields) == 0 {
		return model.CommandSpec{}, fmt.Errorf("%w: missing command name", ErrSyntax)
	}

	fs := flag.NewFlagSet(fields[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	instances := fs.IntP("instances", "n", model.DefaultInstances, "number of instances")
	duration := fs.IntP("duration", "d", int(model.DefaultDuration/time.Second), "run duration in seconds")
	period := fs.IntP("period", "p", int(model.DefaultRepeatInterval/time.Second), "repeat period in seconds")
	parallel := fs.IntP("parallel", "m", model.DefaultParallelism, "parallel sub-workers for sum")

	if err := fs.Parse(fields[1:]); err != nil {
		return model.CommandSpec{}, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	if int64(*duration) > maxSeconds {
		return model.CommandSpec{}, fmt.Errorf("%w: duration of %d seconds is too long", ErrSyntax, *duration)
	}
	if int64(*period) > maxSeconds {
		return model.CommandSpec{}, fmt.Errorf("%w: period of %d seconds is too long", ErrSyntax, *period)
	}

	spec := model.NewCommandSpec(fields[0], fs.Args()...)
	spec.Line = trimmed
	spec.Instances = *instances
	spec.Duration = time.Duration(*duration) * time.Second
	spec.RepeatInterval = time.Duration(*period) * time.Second
	spec.Parallelism = *parallel
	spec.Background = background
	return spec, nil
}
