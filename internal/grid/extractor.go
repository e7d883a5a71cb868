package grid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/constelar/constelar/internal/airquality"
)

// Values at or below this are treated as undeclared fill values.
const fillSentinel = -1e30

var (
	latitudeNames  = []string{"latitude", "lat", "Latitude"}
	longitudeNames = []string{"longitude", "lon", "Longitude"}
	qualityNames   = []string{"main_data_quality_flag", "data_quality_flag", "quality_flag", "qa_flag"}

	// auxiliary groups searched after the variable's own group
	coordinateGroups = []string{"product", "geolocation", ""}
	qualityGroups    = []string{"product", "geolocation"}

	columnDensityUnits = map[string]bool{"molecules/cm^2": true, "du": true}
)

// Options shape extracted values.
type Options struct {
	// NonNeg clamps negative column densities to zero.
	NonNeg bool

	// DropZero discards values that are exactly zero.
	DropZero bool

	// MinValue discards values below it when set.
	MinValue *float64

	// Thin keeps every Thin-th valid cell (minimum 1).
	Thin int
}

// Request describes one extraction.
type Request struct {
	// VariablePath is "var" or "group/var".
	VariablePath string

	// Parameter is the pollutant code stamped on every measurement.
	Parameter string

	// Limit caps the number of sampled cells. Zero means no cap.
	Limit int

	// BBox clips cells when set.
	BBox *airquality.BoundingBox

	Options Options
}

// Config configures an Extractor.
type Config struct {
	// Openers are tried in order when resolving the variable.
	Openers []Opener

	// Source tags every measurement.
	Source string

	// IgnoreObservationTime stamps measurements with the current time
	// instead of the file's observation time.
	IgnoreObservationTime bool

	Logger zerolog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Extractor turns gridded files into measurements.
type Extractor struct {
	openers []Opener
	source  string
	obsTime bool
	logger  zerolog.Logger
	now     func() time.Time
}

// NewExtractor creates an Extractor.
func NewExtractor(cfg Config) *Extractor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	source := cfg.Source
	if source == "" {
		source = airquality.DefaultSource
	}
	return &Extractor{
		openers: cfg.Openers,
		source:  source,
		obsTime: !cfg.IgnoreObservationTime,
		logger:  cfg.Logger.With().Str("component", "grid").Logger(),
		now:     now,
	}
}

// session tracks every handle opened for one file so they can all be
// released together.
type session struct {
	path   string
	opener Opener
	groups map[string]GroupedDataset
	errs   map[string]error
	extra  []GroupedDataset
}

func newSession(path string, opener Opener) *session {
	return &session{
		path:   path,
		opener: opener,
		groups: make(map[string]GroupedDataset),
		errs:   make(map[string]error),
	}
}

// open returns the handle for a group path ("" is the root), opening it on
// first use.
func (s *session) open(name string) (GroupedDataset, error) {
	if ds, ok := s.groups[name]; ok {
		return ds, nil
	}
	if err, ok := s.errs[name]; ok {
		return nil, err
	}
	ds, err := s.opener.Open(s.path, name)
	if err != nil {
		s.errs[name] = err
		return nil, err
	}
	s.groups[name] = ds
	return ds, nil
}

func (s *session) track(ds GroupedDataset) {
	s.extra = append(s.extra, ds)
}

func (s *session) close() {
	for _, ds := range s.extra {
		_ = ds.Close()
	}
	for _, ds := range s.groups {
		_ = ds.Close()
	}
	s.extra = nil
	s.groups = make(map[string]GroupedDataset)
}

// resolved is the outcome of variable resolution.
type resolved struct {
	sess     *session
	current  GroupedDataset
	groupKey string
	name     string
}

// Extract reads one file and returns its measurements. A file without
// usable coordinates yields no measurements and no error.
func (e *Extractor) Extract(ctx context.Context, path string, req Request) ([]airquality.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.VariablePath == "" {
		return nil, airquality.NewDataProcessingError("variable path is required", nil)
	}

	res, err := e.resolve(path, req.VariablePath)
	if err != nil {
		return nil, err
	}
	defer res.sess.close()

	log := e.logger.With().Str("file", path).Str("variable", req.VariablePath).Logger()

	v, err := res.current.Variable(res.name)
	if err != nil {
		return nil, airquality.NewDataProcessingError(fmt.Sprintf("read variable %q", res.name), err)
	}
	values, rows, cols, err := collapse(v)
	if err != nil {
		return nil, airquality.NewDataProcessingError(fmt.Sprintf("variable %q", res.name), err)
	}

	coords, ok := e.findCoordinates(res, rows, cols)
	if !ok {
		log.Warn().Int("rows", rows).Int("cols", cols).Msg("no compatible latitude/longitude arrays")
		return []airquality.Measurement{}, nil
	}

	mask := validityMask(v, values)
	if flag := e.findQualityFlag(res, rows, cols); len(flag) == len(mask) {
		for i, f := range flag {
			if f != 0 {
				mask[i] = false
			}
		}
	}
	if req.BBox != nil {
		coords.clip(*req.BBox, mask)
	}

	indices := sample(mask, req.Options.Thin, req.Limit)
	if len(indices) == 0 {
		return []airquality.Measurement{}, nil
	}

	unit := v.Text("units")
	ts := e.now().UTC()
	if e.obsTime {
		ts = e.observationTime(res, path)
	}

	clamp := req.Options.NonNeg && columnDensityUnits[strings.ToLower(strings.TrimSpace(unit))]
	out := make([]airquality.Measurement, 0, len(indices))
	for _, idx := range indices {
		val := values[idx]
		if clamp && val < 0 {
			val = 0
		}
		if req.Options.DropZero && val == 0 {
			continue
		}
		if req.Options.MinValue != nil && val < *req.Options.MinValue {
			continue
		}
		lat, lon := coords.at(idx)
		m, err := airquality.NewMeasurement(lat, lon, req.Parameter, val, unit, ts, e.source)
		if err != nil {
			continue
		}
		out = append(out, m)
	}

	log.Debug().Int("cells", len(indices)).Int("measurements", len(out)).Msg("extracted")
	return out, nil
}

// resolve finds the variable by trying, for each opener in turn, a
// group-scoped open, an unscoped open with the nested path, and an unscoped
// open with the bare name.
func (e *Extractor) resolve(path, variablePath string) (*resolved, error) {
	if len(e.openers) == 0 {
		return nil, airquality.NewDataProcessingError("no dataset opener configured", nil)
	}

	group, name := SplitVariablePath(variablePath)
	var lastErr error

	for _, opener := range e.openers {
		sess := newSession(path, opener)
		res, err := resolveWith(sess, group, name)
		if err == nil {
			return res, nil
		}
		lastErr = err
		sess.close()
	}

	if errors.Is(lastErr, ErrVariableNotFound) {
		return nil, airquality.NewDataProcessingError(fmt.Sprintf("variable %q not found in %s", variablePath, path), nil)
	}
	return nil, airquality.NewDataProcessingError(fmt.Sprintf("open %s", path), lastErr)
}

func resolveWith(sess *session, group, name string) (*resolved, error) {
	if group != "" {
		if ds, err := sess.open(group); err == nil && ds.HasVariable(name) {
			return &resolved{sess: sess, current: ds, groupKey: group, name: name}, nil
		}
	}

	root, err := sess.open("")
	if err != nil {
		return nil, err
	}

	if group != "" {
		if child, err := root.OpenGroup(group); err == nil {
			sess.track(child)
			if child.HasVariable(name) {
				return &resolved{sess: sess, current: child, groupKey: group, name: name}, nil
			}
		}
	}

	if root.HasVariable(name) {
		return &resolved{sess: sess, current: root, groupKey: "", name: name}, nil
	}
	return nil, ErrVariableNotFound
}

// searchOrder returns the variable's own group followed by the given
// auxiliary groups, without duplicates.
func searchOrder(current string, extra []string) []string {
	order := []string{current}
	for _, g := range extra {
		if g != current {
			order = append(order, g)
		}
	}
	return order
}

func (r *resolved) node(name string) GroupedDataset {
	if name == r.groupKey {
		return r.current
	}
	ds, err := r.sess.open(name)
	if err != nil {
		return nil
	}
	return ds
}

// coordinates holds either 1-D axis vectors or 2-D grids.
type coordinates struct {
	lat, lon []float64
	cols     int
	grid     bool
}

func (c coordinates) at(idx int) (float64, float64) {
	if c.grid {
		return c.lat[idx], c.lon[idx]
	}
	return c.lat[idx/c.cols], c.lon[idx%c.cols]
}

func (c coordinates) clip(b airquality.BoundingBox, mask []bool) {
	if c.grid {
		for i := range mask {
			if mask[i] && !b.Contains(c.lat[i], c.lon[i]) {
				mask[i] = false
			}
		}
		return
	}

	rowIn := make([]bool, len(c.lat))
	for r, lat := range c.lat {
		rowIn[r] = lat >= b.South && lat <= b.North
	}
	colIn := make([]bool, len(c.lon))
	for col, lon := range c.lon {
		colIn[col] = lon >= b.West && lon <= b.East
	}
	for i := range mask {
		if mask[i] && !(rowIn[i/c.cols] && colIn[i%c.cols]) {
			mask[i] = false
		}
	}
}

func (e *Extractor) findCoordinates(r *resolved, rows, cols int) (coordinates, bool) {
	for _, g := range searchOrder(r.groupKey, coordinateGroups) {
		ds := r.node(g)
		if ds == nil {
			continue
		}
		lat := readFirst(ds, latitudeNames)
		lon := readFirst(ds, longitudeNames)
		if lat == nil || lon == nil {
			continue
		}
		if c, ok := matchCoordinates(lat, lon, rows, cols); ok {
			return c, true
		}
		e.logger.Debug().
			Str("group", g).
			Ints("lat_shape", lat.Shape).
			Ints("lon_shape", lon.Shape).
			Msg("coordinate shape mismatch")
	}
	return coordinates{}, false
}

func matchCoordinates(lat, lon *Variable, rows, cols int) (coordinates, bool) {
	switch {
	case len(lat.Shape) == 1 && len(lon.Shape) == 1:
		if lat.Shape[0] == rows && lon.Shape[0] == cols {
			return coordinates{lat: lat.Data, lon: lon.Data, cols: cols}, true
		}
	case len(lat.Shape) == 2 && len(lon.Shape) == 2:
		if lat.Shape[0] == rows && lat.Shape[1] == cols && lon.Shape[0] == rows && lon.Shape[1] == cols {
			return coordinates{lat: lat.Data, lon: lon.Data, cols: cols, grid: true}, true
		}
	}
	return coordinates{}, false
}

func readFirst(ds GroupedDataset, names []string) *Variable {
	for _, n := range names {
		if !ds.HasVariable(n) {
			continue
		}
		v, err := ds.Variable(n)
		if err != nil || v.validate() != nil {
			continue
		}
		return v
	}
	return nil
}

func (e *Extractor) findQualityFlag(r *resolved, rows, cols int) []float64 {
	for _, g := range searchOrder(r.groupKey, qualityGroups) {
		ds := r.node(g)
		if ds == nil {
			continue
		}
		for _, n := range qualityNames {
			if !ds.HasVariable(n) {
				continue
			}
			v, err := ds.Variable(n)
			if err != nil {
				continue
			}
			data, fr, fc, err := collapse(v)
			if err != nil || fr != rows || fc != cols {
				continue
			}
			return data
		}
	}
	return nil
}

// collapse reduces a variable to 2-D by taking index 0 of the time axis (or
// the leading axis), then of the next leading axis.
func collapse(v *Variable) ([]float64, int, int, error) {
	if err := v.validate(); err != nil {
		return nil, 0, 0, err
	}

	for _, d := range v.Shape {
		if d == 0 {
			return nil, 0, 0, fmt.Errorf("variable %q has an empty dimension in shape %v", v.Name, v.Shape)
		}
	}

	data := v.Data
	shape := append([]int(nil), v.Shape...)
	dims := append([]string(nil), v.Dims...)

	for step := 0; len(shape) > 2 && step < 2; step++ {
		axis := 0
		if step == 0 {
			for i, d := range dims {
				if strings.EqualFold(d, "time") && i < len(shape) {
					axis = i
					break
				}
			}
		}
		data = takeFirst(data, shape, axis)
		shape = append(shape[:axis:axis], shape[axis+1:]...)
		if axis < len(dims) {
			dims = append(dims[:axis:axis], dims[axis+1:]...)
		}
	}

	if len(shape) != 2 {
		return nil, 0, 0, fmt.Errorf("expected 2 dimensions after collapse, got %d", len(shape))
	}
	return data, shape[0], shape[1], nil
}

// takeFirst selects index 0 along axis of a row-major array.
func takeFirst(data []float64, shape []int, axis int) []float64 {
	outer, inner := 1, 1
	for _, d := range shape[:axis] {
		outer *= d
	}
	for _, d := range shape[axis+1:] {
		inner *= d
	}
	n := shape[axis]

	out := make([]float64, 0, outer*inner)
	if n == 0 {
		return out
	}
	for o := 0; o < outer; o++ {
		base := o * n * inner
		out = append(out, data[base:base+inner]...)
	}
	return out
}

func validityMask(v *Variable, values []float64) []bool {
	var fills []float64
	for _, name := range []string{"_FillValue", "missing_value"} {
		if f, ok := v.Float(name); ok {
			fills = append(fills, f)
		}
	}

	mask := make([]bool, len(values))
	for i, val := range values {
		if math.IsNaN(val) || math.IsInf(val, 0) || val <= fillSentinel {
			continue
		}
		ok := true
		for _, f := range fills {
			if val == f {
				ok = false
				break
			}
		}
		mask[i] = ok
	}
	return mask
}

// sample returns the row-major indices of set cells, keeping every thin-th
// one and at most limit of them.
func sample(mask []bool, thin, limit int) []int {
	if thin < 1 {
		thin = 1
	}
	var out []int
	k := 0
	for i, ok := range mask {
		if !ok {
			continue
		}
		if k%thin == 0 {
			out = append(out, i)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		k++
	}
	return out
}
