package main

// Configuration layering: built-in defaults, then XPS_* environment
// variables, then the optional TOML file, then command-line flags.

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/holoplot/go-evdev"
	"github.com/pelletier/go-toml/v2"

	"xps-keymapping/remap"
)

var errUsage = errors.New("usage error")

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Config struct {
	Mode              int      `toml:"mode"`
	CapsToEscape      bool     `toml:"caps_to_escape"`
	PassthroughExempt []string `toml:"passthrough_exempt"`
	AnchorKeys        []string `toml:"anchor_keys"`
	EmitDelayMS       int      `toml:"emit_delay_ms"`
	GrabDelayMS       int      `toml:"grab_delay_ms"`
	Hotplug           string   `toml:"hotplug"`
	StatusURL         string   `toml:"status_url"`

	Log LogConfig `toml:"log"`

	ConfigPath  string `toml:"-"`
	ListDevices bool   `toml:"-"`
	// Session is handed to workers by the supervisor.
	Session string `toml:"-"`
}

func defaultConfig() Config {
	var exempt []string
	for _, code := range remap.DefaultPassthroughExempt() {
		exempt = append(exempt, evdev.KEYToString[code])
	}
	return Config{
		Mode:              int(remap.ModeDisabled),
		PassthroughExempt: exempt,
		AnchorKeys:        []string{"KEY_ESC", "KEY_CAPSLOCK"},
		EmitDelayMS:       20,
		GrabDelayMS:       1000,
		Hotplug:           "udev",
		Log:               LogConfig{Level: "info", Format: "text"},
	}
}

func applyEnv(cfg *Config, getenv func(string) string) {
	cfg.Mode = getenvIntDefault(getenv, "XPS_MODE", cfg.Mode)
	cfg.CapsToEscape = getenvBoolDefault(getenv, "XPS_CAPS2ESC", cfg.CapsToEscape)
	cfg.PassthroughExempt = getenvListDefault(getenv, "XPS_PASSTHROUGH_EXEMPT", cfg.PassthroughExempt)
	cfg.AnchorKeys = getenvListDefault(getenv, "XPS_ANCHOR_KEYS", cfg.AnchorKeys)
	cfg.EmitDelayMS = getenvIntDefault(getenv, "XPS_EMIT_DELAY_MS", cfg.EmitDelayMS)
	cfg.GrabDelayMS = getenvIntDefault(getenv, "XPS_GRAB_DELAY_MS", cfg.GrabDelayMS)
	cfg.Hotplug = getenvDefault(getenv, "XPS_HOTPLUG", cfg.Hotplug)
	cfg.StatusURL = getenvDefault(getenv, "XPS_STATUS_WS", cfg.StatusURL)
	cfg.Log.Level = getenvDefault(getenv, "XPS_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault(getenv, "XPS_LOG_FORMAT", cfg.Log.Format)
	cfg.ConfigPath = getenvDefault(getenv, "XPS_CONFIG", cfg.ConfigPath)
	cfg.Session = getenv(envSession)
}

// modeFlag backs the -0/-1/-2 switches.
type modeFlag struct {
	mode *int
	n    int
}

func (f modeFlag) String() string   { return "false" }
func (f modeFlag) IsBoolFlag() bool { return true }

func (f modeFlag) Set(s string) error {
	on, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if on {
		*f.mode = f.n
	}
	return nil
}

func newFlagSet(cfg *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("xps-keymapping", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Var(modeFlag{&cfg.Mode, 0}, "0", "Disable blocking of Super_L (default)")
	fs.Var(modeFlag{&cfg.Mode, 1}, "1", "Intercept Super_L but replay a bare tap")
	fs.Var(modeFlag{&cfg.Mode, 2}, "2", "Intercept Super_L and inject it ahead of other keys")
	fs.IntVar(&cfg.Mode, "mode", cfg.Mode, "Blocking mode for Super_L: 0, 1 or 2")
	fs.BoolVar(&cfg.CapsToEscape, "caps2esc", cfg.CapsToEscape, "Caps-lock tap is Escape, held is Ctrl, Caps+Esc is Caps-lock")
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "Optional TOML config file")
	fs.IntVar(&cfg.EmitDelayMS, "emit-delay-ms", cfg.EmitDelayMS, "Pause between synthetic events of one batch (ms)")
	fs.IntVar(&cfg.GrabDelayMS, "grab-delay-ms", cfg.GrabDelayMS, "Wait before grabbing a device so held keys are released (ms)")
	fs.StringVar(&cfg.Hotplug, "hotplug", cfg.Hotplug, "Device discovery backend: udev|inotify")
	fs.StringVar(&cfg.StatusURL, "status-ws", cfg.StatusURL, "Optional WebSocket URL that receives worker lifecycle messages")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format: text|json")
	fs.BoolVar(&cfg.ListDevices, "list-devices", false, "Print /proc/bus/input/devices keyboards and exit")
	fs.Usage = func() {
		fmt.Fprintf(output, "usage: xps-keymapping [-0|-1|-2] [flags] [device-path]\n\n")
		fs.PrintDefaults()
	}
	return fs
}

// loadConfig resolves the full configuration and returns the positional
// arguments left after flag parsing.
func loadConfig(args []string, getenv func(string) string, output io.Writer) (Config, []string, error) {
	cfg := defaultConfig()
	applyEnv(&cfg, getenv)

	// The file sits between env and flags, so find -config first and parse
	// the real flags on top of the file; they then apply in command-line order.
	scratch := cfg
	pre := newFlagSet(&scratch, io.Discard)
	if pre.Parse(args) == nil && scratch.ConfigPath != "" {
		if err := loadConfigFile(scratch.ConfigPath, &cfg); err != nil {
			return cfg, nil, err
		}
	}

	fs := newFlagSet(&cfg, output)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, nil, err
		}
		return cfg, nil, fmt.Errorf("%w: %w", errUsage, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, fs.Args(), nil
}

func loadConfigFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read config %s: %w", errUsage, path, err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("%w: parse config %s: %w", errUsage, path, err)
	}
	return nil
}

// Validate rejects values that would make the daemon misbehave at runtime.
func (c Config) Validate() error {
	if !remap.Mode(c.Mode).Valid() {
		return fmt.Errorf("%w: blocking mode %d (want 0, 1 or 2)", errUsage, c.Mode)
	}
	if c.EmitDelayMS < 0 {
		return fmt.Errorf("%w: emit_delay_ms must not be negative", errUsage)
	}
	if c.GrabDelayMS < 0 {
		return fmt.Errorf("%w: grab_delay_ms must not be negative", errUsage)
	}
	switch strings.ToLower(c.Hotplug) {
	case "udev", "inotify":
	default:
		return fmt.Errorf("%w: unknown hotplug backend %q", errUsage, c.Hotplug)
	}
	if _, err := resolveKeys(c.PassthroughExempt); err != nil {
		return fmt.Errorf("%w: passthrough_exempt: %w", errUsage, err)
	}
	anchors, err := resolveKeys(c.AnchorKeys)
	if err != nil {
		return fmt.Errorf("%w: anchor_keys: %w", errUsage, err)
	}
	if len(anchors) == 0 {
		return fmt.Errorf("%w: anchor_keys must not be empty", errUsage)
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", errUsage, c.Log.Format)
	}
	return nil
}

// resolveKeys maps names like "KEY_LEFTSHIFT" (or "leftshift") to key codes.
func resolveKeys(names []string) ([]evdev.EvCode, error) {
	out := make([]evdev.EvCode, 0, len(names))
	for _, name := range names {
		n := strings.ToUpper(strings.TrimSpace(name))
		if !strings.HasPrefix(n, "KEY_") {
			n = "KEY_" + n
		}
		code, ok := evdev.KEYFromString[n]
		if !ok {
			return nil, fmt.Errorf("unknown key %q", name)
		}
		out = append(out, code)
	}
	return out, nil
}

// EngineOptions builds the per-device engine options. Validate must have
// passed.
func (c Config) EngineOptions() remap.Options {
	exempt, _ := resolveKeys(c.PassthroughExempt)
	return remap.Options{
		Mode:              remap.Mode(c.Mode),
		CapsToEscape:      c.CapsToEscape,
		PassthroughExempt: exempt,
	}
}

func (c Config) Anchors() []evdev.EvCode {
	anchors, _ := resolveKeys(c.AnchorKeys)
	return anchors
}
