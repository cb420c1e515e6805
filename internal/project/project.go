package project

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"anroll-controller/internal/core"
)

// ErrInvalidProject is returned for files that fail schema validation.
var ErrInvalidProject = errors.New("invalid project file")

const pngDataURLPrefix = "data:image/png;base64,"

// Project is a saved session: every tunable parameter plus the source images.
type Project struct {
	Settings          core.Settings
	MaskImageURL      string
	UnrollingImageURL string
}

type persistentLayout struct {
	core.PersistentSettings
	MaskImageURL      string `json:"maskImageUrl"`
	UnrollingImageURL string `json:"unrollingImageUrl"`
}

type fileLayout struct {
	Model        core.ModelSettings        `json:"modelSettings"`
	Optimization core.OptimizationSettings `json:"optimizationSettings"`
	Image        core.ImageSettings        `json:"imageSettings"`
	Grid         core.GridSettings         `json:"gridSettings"`
	Errors       core.ErrorSettings        `json:"errorSettings"`
	Plot         core.PlotSettings         `json:"plotSettings"`
	Advanced     core.AdvancedSettings     `json:"advancedSettings"`
	Persistent   persistentLayout          `json:"persistentState"`
}

// New wraps settings and raw PNG images into a project.
func New(settings core.Settings, mask, unrolling []byte) *Project {
	p := &Project{Settings: settings}
	p.SetImages(mask, unrolling)
	return p
}

// SetImages stores PNG bytes as data URLs. Empty input clears the image.
func (p *Project) SetImages(mask, unrolling []byte) {
	p.MaskImageURL = toDataURL(mask)
	p.UnrollingImageURL = toDataURL(unrolling)
}

// Mask returns the decoded mask PNG, or nil when none is set.
func (p *Project) Mask() ([]byte, error) {
	return fromDataURL(p.MaskImageURL)
}

// Unrolling returns the decoded cylindrical unrolling PNG, or nil when none is set.
func (p *Project) Unrolling() ([]byte, error) {
	return fromDataURL(p.UnrollingImageURL)
}

// HasImages reports whether both source images are present.
func (p *Project) HasImages() bool {
	return p.MaskImageURL != "" && p.UnrollingImageURL != ""
}

func toDataURL(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return pngDataURLPrefix + base64.StdEncoding.EncodeToString(data)
}

func fromDataURL(url string) ([]byte, error) {
	if url == "" {
		return nil, nil
	}
	i := strings.Index(url, ",")
	if !strings.HasPrefix(url, "data:") || i < 0 {
		return nil, fmt.Errorf("not a data URL")
	}
	data, err := base64.StdEncoding.DecodeString(url[i+1:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode image data: %w", err)
	}
	return data, nil
}

// MarshalJSON writes the grouped layout used by project files.
func (p *Project) MarshalJSON() ([]byte, error) {
	s := p.Settings
	return json.Marshal(fileLayout{
		Model:        s.Model,
		Optimization: s.Optimization,
		Image:        s.Image,
		Grid:         s.Grid,
		Errors:       s.Errors,
		Plot:         s.Plot,
		Advanced:     s.Advanced,
		Persistent: persistentLayout{
			PersistentSettings: s.Persistent,
			MaskImageURL:       p.MaskImageURL,
			UnrollingImageURL:  p.UnrollingImageURL,
		},
	})
}

// Decode validates data against the project schema and overlays it on
// defaults, so fields missing from older files keep their default values.
func Decode(data []byte, defaults core.Settings) (*Project, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	layout := fileLayout{
		Model:        defaults.Model,
		Optimization: defaults.Optimization,
		Image:        defaults.Image,
		Grid:         defaults.Grid,
		Errors:       defaults.Errors,
		Plot:         defaults.Plot,
		Advanced:     defaults.Advanced,
		Persistent:   persistentLayout{PersistentSettings: defaults.Persistent},
	}
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProject, err)
	}

	settings := core.Settings{
		Model:        layout.Model,
		Optimization: layout.Optimization,
		Image:        layout.Image,
		Grid:         layout.Grid,
		Errors:       layout.Errors,
		Plot:         layout.Plot,
		Advanced:     layout.Advanced,
		Persistent:   layout.Persistent.PersistentSettings,
	}
	if settings.Advanced.CommandQueueCapacity < 1 {
		settings.Advanced.CommandQueueCapacity = 1
	}

	return &Project{
		Settings:          settings,
		MaskImageURL:      layout.Persistent.MaskImageURL,
		UnrollingImageURL: layout.Persistent.UnrollingImageURL,
	}, nil
}

// Load reads and decodes the project at path.
func Load(path string, defaults core.Settings) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}
	p, err := Decode(data, defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return p, nil
}

// Save writes p to path as indented JSON.
func Save(path string, p *Project) error {
	data, err := json.MarshalIndent(p, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode project: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create project directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write project file: %w", err)
	}
	return nil
}

func validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProject, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidProject, strings.Join(msgs, "; "))
	}
	return nil
}
