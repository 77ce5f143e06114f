package schema

import "errors"

// EditorMode selects which surface a controller backs.
type EditorMode string

const (
	// ModeNotebook backs a file-backed notebook editor; every cell is editable.
	ModeNotebook EditorMode = "notebook"
	// ModeInteractive backs the interactive window; submitted cells are read-only.
	ModeInteractive EditorMode = "interactive"
)

// DefaultHistoryMax bounds the input history.
const DefaultHistoryMax = 200

// DefaultUntitledPrefix is the base-name prefix that forces a save dialog.
const DefaultUntitledPrefix = "Untitled"

// ControllerConfig defines defaults and limits for a state controller.
type ControllerConfig struct {
	Mode       EditorMode
	HistoryMax int
	// UndoMax caps the undo stack depth; zero means unbounded.
	UndoMax int
	// Originator identifies this controller in shared RemoteAddCode messages.
	Originator string
}

// RegistryConfig defines defaults for the session registry.
type RegistryConfig struct {
	Controller     ControllerConfig
	UntitledPrefix string
	// HotExit keeps dirty sessions as backups on close instead of prompting.
	HotExit bool
}

// NormalizeControllerConfig applies defaults and validates the config.
func NormalizeControllerConfig(cfg ControllerConfig) (ControllerConfig, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeNotebook
	}
	if cfg.Mode != ModeNotebook && cfg.Mode != ModeInteractive {
		return ControllerConfig{}, errors.New("unsupported editor mode")
	}
	if cfg.HistoryMax <= 0 {
		cfg.HistoryMax = DefaultHistoryMax
	}
	if cfg.UndoMax < 0 {
		return ControllerConfig{}, errors.New("undo max must not be negative")
	}
	return cfg, nil
}

// NormalizeRegistryConfig applies defaults and validates the config.
func NormalizeRegistryConfig(cfg RegistryConfig) (RegistryConfig, error) {
	controller, err := NormalizeControllerConfig(cfg.Controller)
	if err != nil {
		return RegistryConfig{}, err
	}
	cfg.Controller = controller
	if cfg.UntitledPrefix == "" {
		cfg.UntitledPrefix = DefaultUntitledPrefix
	}
	return cfg, nil
}
