package core

import (
	"fmt"
	"math"
	"strconv"
)

// MaxCrop bounds the sum of opposite crop edges.
const MaxCrop = 0.95

// splineSmoothingDisplay is the slider value the smoothing is mapped from.
const splineSmoothingDisplay = "spline_smoothing_display"

type ModelSettings struct {
	InterpolationFactor float64 `json:"interpolationFactor"`
	DFactor             float64 `json:"dFactor"`
	DFactorRestrict     bool    `json:"dFactorRestrict"`
	RadiusModifier      float64 `json:"radiusModifier"`
	EnforceIsotropy     bool    `json:"enforceIsotropy"`
}

type OptimizationSettings struct {
	Active                      bool    `json:"optimizationActive"`
	MaxIterations               int     `json:"optimizationMaxIterations"`
	Error0Weight                float64 `json:"error0Weight"` // x error
	Error1Weight                float64 `json:"error1Weight"` // y error
	Error2Weight                float64 `json:"error2Weight"` // r error
	Error3Weight                float64 `json:"error3Weight"` // a error
	OptimizeInterpolationFactor bool    `json:"optimizeInterpolationFactor"`
	OptimizeDFactor             bool    `json:"optimizeDFactor"`
	OptimizeRadiusModifier      bool    `json:"optimizeRadiusModifier"`
}

type ImageSettings struct {
	Active        bool    `json:"imageActive"`
	Rotation      float64 `json:"imageRotation"`
	VerticalShift float64 `json:"verticalShift"`
	CropTop       float64 `json:"cropTop"`
	CropBottom    float64 `json:"cropBottom"`
	CropRight     float64 `json:"cropRight"`
	CropLeft      float64 `json:"cropLeft"`
	PreviewScale  float64 `json:"previewScale"`
}

type GridSettings struct {
	Active    bool `json:"gridActive"`
	Uniform   bool `json:"gridUniform"`
	Thickness int  `json:"gridThickness"`
	X         int  `json:"gridX"`
	Y         int  `json:"gridY"`
}

type ErrorSettings struct {
	Quality float64 `json:"errorsQuality"`
	Active  bool    `json:"errorsActive"`
	UseGPU  bool    `json:"errorsUseGPU"`
	Legend  bool    `json:"errorLegend"`
}

type PlotSettings struct {
	Interp  bool `json:"plotInterp"`
	IFCurve bool `json:"plotIFCurve"`
}

type AdvancedSettings struct {
	SplineSmoothingDisplay float64 `json:"splineSmoothingDisplay"`
	SplineSmoothing        float64 `json:"splineSmoothing"`
	CommandQueueCapacity   int     `json:"commandQueueCapacity"`
	Tilt                   float64 `json:"tilt"`
}

// PersistentSettings are saved in project files but never sent to the backend
// except for RenderMaxResolution.
type PersistentSettings struct {
	ErrorOverlayTarget     string  `json:"errorOverlayTarget"`
	ErrorOverlayOpacity    float64 `json:"errorOverlayOpacity"`
	ExportIncludeErrorMaps bool    `json:"exportIncludeErrorMaps"`
	ExportIncludeMask      bool    `json:"exportIncludeMask"`
	ExportIncludeUnrolling bool    `json:"exportIncludeUnrolling"`
	ExportPrefix           string  `json:"exportPrefix"`
	RenderMaxResolution    int     `json:"renderMaxResolution"`
	MainLayout             string  `json:"mainLayout"`
	MaskImageUseLeftHalf   bool    `json:"maskImageUseLeftHalf"`
	MaskImageCenter        float64 `json:"maskImageCenter"`
	MaskImageRotation      float64 `json:"maskImageRotation"`
}

// Settings is the full tunable parameter set.
type Settings struct {
	Model        ModelSettings        `json:"modelSettings"`
	Optimization OptimizationSettings `json:"optimizationSettings"`
	Image        ImageSettings        `json:"imageSettings"`
	Grid         GridSettings         `json:"gridSettings"`
	Errors       ErrorSettings        `json:"errorSettings"`
	Plot         PlotSettings         `json:"plotSettings"`
	Advanced     AdvancedSettings     `json:"advancedSettings"`
	Persistent   PersistentSettings   `json:"persistentState"`
}

// DefaultSettings returns the initial parameter set with the given queue capacity.
func DefaultSettings(queueCapacity int) Settings {
	const splineSmoothing = 0.005
	return Settings{
		Model: ModelSettings{
			InterpolationFactor: 0.25,
			DFactorRestrict:     true,
			RadiusModifier:      2 * math.Pi,
		},
		Optimization: OptimizationSettings{
			MaxIterations: 1000,
			Error0Weight:  1.0,
			Error1Weight:  1.0,
			Error2Weight:  1.0,
			Error3Weight:  1.0,
		},
		Image: ImageSettings{
			Active:       true,
			PreviewScale: 0.5,
		},
		Grid: GridSettings{
			Thickness: 1,
			X:         21,
			Y:         21,
		},
		Errors: ErrorSettings{
			Quality: 0.1,
			Legend:  true,
		},
		Advanced: AdvancedSettings{
			SplineSmoothingDisplay: splineSmoothing,
			SplineSmoothing:        MapExponential(splineSmoothing),
			CommandQueueCapacity:   queueCapacity,
		},
		Persistent: PersistentSettings{
			ErrorOverlayOpacity: 0.5,
			RenderMaxResolution: 1000,
			MainLayout:          "vertical",
			MaskImageCenter:     0.5,
		},
	}
}

// MapExponential maps x in [0,1] onto an exponential curve so small slider
// values get finer resolution.
func MapExponential(x float64) float64 {
	const minValue, base = 0.000001, 1000.0
	if x <= 0 {
		return minValue
	}
	if x >= 1 {
		return 1
	}
	normalized := (math.Pow(base, x) - 1) / (base - 1)
	return minValue + (1-minValue)*normalized
}

// Param describes one backend tuning parameter by its wire key.
type Param struct {
	Key string
	get func(s *Settings) interface{}
	set func(s *Settings, v interface{}) error
}

func floatParam(key string, field func(s *Settings) *float64) Param {
	return Param{
		Key: key,
		get: func(s *Settings) interface{} { return *field(s) },
		set: func(s *Settings, v interface{}) error {
			f, err := toFloat(v)
			if err != nil {
				return err
			}
			*field(s) = f
			return nil
		},
	}
}

func intParam(key string, field func(s *Settings) *int) Param {
	return Param{
		Key: key,
		get: func(s *Settings) interface{} { return *field(s) },
		set: func(s *Settings, v interface{}) error {
			f, err := toFloat(v)
			if err != nil {
				return err
			}
			*field(s) = int(math.Round(f))
			return nil
		},
	}
}

func boolParam(key string, field func(s *Settings) *bool) Param {
	return Param{
		Key: key,
		get: func(s *Settings) interface{} { return *field(s) },
		set: func(s *Settings, v interface{}) error {
			b, err := toBool(v)
			if err != nil {
				return err
			}
			*field(s) = b
			return nil
		},
	}
}

// cropParam clamps the edge and shrinks the opposite edge so both fit in MaxCrop.
func cropParam(key string, edge, opposite func(s *Settings) *float64) Param {
	p := floatParam(key, edge)
	p.set = func(s *Settings, v interface{}) error {
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		f = math.Max(0, math.Min(MaxCrop, f))
		*edge(s) = f
		if f+*opposite(s) > MaxCrop {
			*opposite(s) = MaxCrop - f
		}
		return nil
	}
	return p
}

// Params lists every tune parameter in wire order.
var Params = []Param{
	floatParam("if", func(s *Settings) *float64 { return &s.Model.InterpolationFactor }),
	floatParam("d", func(s *Settings) *float64 { return &s.Model.DFactor }),
	boolParam("dr", func(s *Settings) *bool { return &s.Model.DFactorRestrict }),
	{
		Key: "rad",
		get: func(s *Settings) interface{} { return s.Model.RadiusModifier },
		set: func(s *Settings, v interface{}) error {
			f, err := toFloat(v)
			if err != nil {
				return err
			}
			// |radius| below 1 is degenerate; snap in the direction of travel
			if f > -1 && f < 1 {
				if f > s.Model.RadiusModifier {
					f = 1
				} else {
					f = -1
				}
			}
			s.Model.RadiusModifier = f
			return nil
		},
	},
	boolParam("enforce_isotropy", func(s *Settings) *bool { return &s.Model.EnforceIsotropy }),
	boolParam("opt_active", func(s *Settings) *bool { return &s.Optimization.Active }),
	intParam("opt_max_iter", func(s *Settings) *int { return &s.Optimization.MaxIterations }),
	floatParam("opt_e0w", func(s *Settings) *float64 { return &s.Optimization.Error0Weight }),
	floatParam("opt_e1w", func(s *Settings) *float64 { return &s.Optimization.Error1Weight }),
	floatParam("opt_e2w", func(s *Settings) *float64 { return &s.Optimization.Error2Weight }),
	floatParam("opt_e3w", func(s *Settings) *float64 { return &s.Optimization.Error3Weight }),
	boolParam("opt_if", func(s *Settings) *bool { return &s.Optimization.OptimizeInterpolationFactor }),
	boolParam("opt_d", func(s *Settings) *bool { return &s.Optimization.OptimizeDFactor }),
	boolParam("opt_rad", func(s *Settings) *bool { return &s.Optimization.OptimizeRadiusModifier }),
	boolParam("image_active", func(s *Settings) *bool { return &s.Image.Active }),
	floatParam("ir", func(s *Settings) *float64 { return &s.Image.Rotation }),
	floatParam("iry", func(s *Settings) *float64 { return &s.Image.VerticalShift }),
	cropParam("croptop", func(s *Settings) *float64 { return &s.Image.CropTop }, func(s *Settings) *float64 { return &s.Image.CropBottom }),
	cropParam("cropbottom", func(s *Settings) *float64 { return &s.Image.CropBottom }, func(s *Settings) *float64 { return &s.Image.CropTop }),
	cropParam("cropright", func(s *Settings) *float64 { return &s.Image.CropRight }, func(s *Settings) *float64 { return &s.Image.CropLeft }),
	cropParam("cropleft", func(s *Settings) *float64 { return &s.Image.CropLeft }, func(s *Settings) *float64 { return &s.Image.CropRight }),
	floatParam("pif", func(s *Settings) *float64 { return &s.Image.PreviewScale }),
	boolParam("grid_active", func(s *Settings) *bool { return &s.Grid.Active }),
	boolParam("grid_alp", func(s *Settings) *bool { return &s.Grid.Uniform }),
	intParam("grid_thickness", func(s *Settings) *int { return &s.Grid.Thickness }),
	intParam("gridx", func(s *Settings) *int { return &s.Grid.X }),
	intParam("gridy", func(s *Settings) *int { return &s.Grid.Y }),
	floatParam("errors_quality", func(s *Settings) *float64 { return &s.Errors.Quality }),
	boolParam("errors_active", func(s *Settings) *bool { return &s.Errors.Active }),
	boolParam("errors_use_gpu", func(s *Settings) *bool { return &s.Errors.UseGPU }),
	boolParam("plot_interp", func(s *Settings) *bool { return &s.Plot.Interp }),
	boolParam("plot_ifcurve", func(s *Settings) *bool { return &s.Plot.IFCurve }),
	floatParam("spline_smoothing", func(s *Settings) *float64 { return &s.Advanced.SplineSmoothing }),
	floatParam("tilt", func(s *Settings) *float64 { return &s.Advanced.Tilt }),
	intParam("render_max_res", func(s *Settings) *int { return &s.Persistent.RenderMaxResolution }),
}

var paramIndex = func() map[string]Param {
	m := make(map[string]Param, len(Params))
	for _, p := range Params {
		m[p.Key] = p
	}
	return m
}()

// LookupParam returns the parameter registered under key.
func LookupParam(key string) (Param, bool) {
	p, ok := paramIndex[key]
	return p, ok
}

// TuneParams returns every parameter keyed by its wire name.
func (s *Settings) TuneParams() map[string]interface{} {
	out := make(map[string]interface{}, len(Params))
	for _, p := range Params {
		out[p.Key] = p.get(s)
	}
	return out
}

// Get returns the value of a parameter by wire key.
func (s *Settings) Get(key string) (interface{}, bool) {
	p, ok := paramIndex[key]
	if !ok {
		return nil, false
	}
	return p.get(s), true
}

// Set updates a parameter by wire key. "spline_smoothing_display" is also
// accepted and updates the mapped smoothing value alongside it.
func (s *Settings) Set(key string, value interface{}) error {
	if key == splineSmoothingDisplay {
		f, err := toFloat(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		s.Advanced.SplineSmoothingDisplay = f
		s.Advanced.SplineSmoothing = MapExponential(f)
		return nil
	}
	p, ok := paramIndex[key]
	if !ok {
		return fmt.Errorf("unknown parameter %q", key)
	}
	if err := p.set(s, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Gated reports whether a change to key must not trigger a resend because
// the backend optimiser currently owns that parameter.
func (s *Settings) Gated(key string) bool {
	if !s.Optimization.Active {
		return false
	}
	switch key {
	case "if":
		return s.Optimization.OptimizeInterpolationFactor
	case "d":
		return s.Optimization.OptimizeDFactor
	case "rad":
		return s.Optimization.OptimizeRadiusModifier
	}
	return false
}

func toFloat(v interface{}) (float64, error) {
	f, err := anyToFloat(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %v", v)
	}
	return f, nil
}

func anyToFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("unsupported value type %T", v)
}

func toBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case string:
		switch x {
		case "on", "ON", "true", "1":
			return true, nil
		case "off", "OFF", "false", "0":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", x)
	}
	return false, fmt.Errorf("unsupported value type %T", v)
}
