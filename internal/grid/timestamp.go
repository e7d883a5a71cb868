package grid

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/constelar/constelar/internal/airquality"
)

var (
	timeAttributeNames = []string{
		"time_coverage_start",
		"TIME_COVERAGE_START",
		"time_coverage_center",
		"start_time",
		"StartTime",
		"datetime",
		"time_start",
	}

	fileTimePattern = regexp.MustCompile(`_(\d{8}T\d{6})Z`)
)

// observationTime resolves one timestamp for a file: the time coordinate,
// then well-known attributes, then the file name, then the current time.
func (e *Extractor) observationTime(r *resolved, path string) time.Time {
	for _, g := range searchOrder(r.groupKey, []string{""}) {
		ds := r.node(g)
		if ds == nil {
			continue
		}
		if ts, ok := timeCoordinate(ds); ok {
			return ts
		}
	}

	for _, g := range searchOrder(r.groupKey, []string{""}) {
		ds := r.node(g)
		if ds == nil {
			continue
		}
		for _, name := range timeAttributeNames {
			a, ok := ds.Attribute(name)
			if !ok {
				continue
			}
			if ts, ok := airquality.ParseTimestamp(toString(a)); ok {
				return ts
			}
		}
	}

	if ts, ok := FileNameTime(path); ok {
		return ts
	}

	return e.now().UTC()
}

// timeCoordinate decodes the first value of a CF "time" variable whose
// units read "<unit> since <epoch>".
func timeCoordinate(ds GroupedDataset) (time.Time, bool) {
	if !ds.HasVariable("time") {
		return time.Time{}, false
	}
	v, err := ds.Variable("time")
	if err != nil || len(v.Data) == 0 {
		return time.Time{}, false
	}
	return DecodeCFTime(v.Data[0], v.Text("units"))
}

// DecodeCFTime converts an offset with CF-style units into a UTC time.
func DecodeCFTime(value float64, units string) (time.Time, bool) {
	unit, epochText, found := strings.Cut(strings.TrimSpace(units), " since ")
	if !found {
		return time.Time{}, false
	}
	epoch, ok := airquality.ParseTimestamp(epochText)
	if !ok {
		return time.Time{}, false
	}

	var scale time.Duration
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "seconds", "second", "secs", "sec", "s":
		scale = time.Second
	case "milliseconds", "millisecond", "ms":
		scale = time.Millisecond
	case "minutes", "minute", "mins", "min":
		scale = time.Minute
	case "hours", "hour", "hrs", "hr", "h":
		scale = time.Hour
	case "days", "day", "d":
		scale = 24 * time.Hour
	default:
		return time.Time{}, false
	}

	return epoch.Add(time.Duration(value * float64(scale))).UTC(), true
}

// FileNameTime extracts a "_YYYYMMDDTHHMMSSZ" timestamp from a file name.
func FileNameTime(path string) (time.Time, bool) {
	m := fileTimePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return time.Time{}, false
	}
	ts, err := time.Parse("20060102T150405", m[1])
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}
