package decoder

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/goccy/go-json"

	"github.com/eddielth/sensor-bridge/logger"
)

// ErrNoDecoder is returned when no script is registered under a name
var ErrNoDecoder = errors.New("no decoder registered")

// ErrTimeout is returned when decodeUplink runs longer than its timeout
var ErrTimeout = errors.New("decoder timed out")

// DefaultTimeout bounds one decodeUplink call when the script sets none
const DefaultTimeout = 2 * time.Second

// Script is the configuration of one uplink formatter
type Script struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
	// Timeout bounds one decodeUplink call
	Timeout time.Duration `mapstructure:"timeout"`
}

// Result is what a decodeUplink function returns
type Result struct {
	Data     map[string]any `json:"data"`
	Warnings []string       `json:"warnings"`
	Errors   []string       `json:"errors"`
}

// Manager holds the uplink formatter scripts by name
type Manager struct {
	decoders map[string]*Decoder
	mutex    sync.RWMutex
}

// Decoder runs one script. A goja runtime is not safe for concurrent
// use, so calls are serialized.
type Decoder struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	decode     goja.Callable
	scriptPath string
	timeout    time.Duration
}

// NewManager compiles every configured script
func NewManager(scripts map[string]Script) (*Manager, error) {
	m := &Manager{decoders: make(map[string]*Decoder, len(scripts))}

	for name, script := range scripts {
		d, err := load(script)
		if err != nil {
			return nil, fmt.Errorf("failed to load decoder %s: %w", name, err)
		}
		m.decoders[name] = d
		logger.Info("loaded uplink decoder %s", name)
	}
	return m, nil
}

func load(script Script) (*Decoder, error) {
	code := script.ScriptCode
	if code == "" {
		if script.ScriptPath == "" {
			return nil, errors.New("neither script_code nor script_path is set")
		}
		raw, err := os.ReadFile(script.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read script file %s: %w", script.ScriptPath, err)
		}
		code = string(raw)
	}
	d, err := newDecoder(code, script.ScriptPath)
	if err != nil {
		return nil, err
	}
	if script.Timeout > 0 {
		d.timeout = script.Timeout
	}
	return d, nil
}

func newDecoder(code, scriptPath string) (*Decoder, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Debug("[JS] %s", msg)
	})

	_ = vm.Set("parseJSON", func(s string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(s), &data); err != nil {
			logger.Warn("parseJSON failed: %v", err)
			return nil
		}
		return data
	})

	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.Unix(timestamp, 0).Format(format)
	})

	_ = vm.Set("convertTemperature", convertTemperature)

	_ = vm.Set("validateRange", func(value, min, max float64) bool {
		return value >= min && value <= max
	})

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}

	fn, ok := goja.AssertFunction(vm.Get("decodeUplink"))
	if !ok {
		return nil, errors.New("script does not define a decodeUplink function")
	}

	return &Decoder{vm: vm, decode: fn, scriptPath: scriptPath, timeout: DefaultTimeout}, nil
}

func convertTemperature(value float64, fromUnit, toUnit string) float64 {
	var celsius float64
	switch strings.ToUpper(fromUnit) {
	case "C":
		celsius = value
	case "F":
		celsius = (value - 32) * 5 / 9
	case "K":
		celsius = value - 273.15
	default:
		return value
	}

	switch strings.ToUpper(toUnit) {
	case "F":
		return celsius*9/5 + 32
	case "K":
		return celsius + 273.15
	default:
		return celsius
	}
}

// Has reports whether a decoder is registered under name
func (m *Manager) Has(name string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.decoders[name]
	return ok
}

// Decode runs the named script on raw uplink bytes
func (m *Manager) Decode(name string, payload []byte, fPort int) (Result, error) {
	m.mutex.RLock()
	d, ok := m.decoders[name]
	m.mutex.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrNoDecoder, name)
	}
	return d.Decode(payload, fPort)
}

// Decode calls decodeUplink({bytes, fPort}). A call running past the
// decoder timeout is interrupted and fails with ErrTimeout.
func (d *Decoder) Decode(payload []byte, fPort int) (Result, error) {
	bytes := make([]interface{}, len(payload))
	for i, b := range payload {
		bytes[i] = int64(b)
	}

	d.mu.Lock()
	input := d.vm.NewObject()
	_ = input.Set("bytes", bytes)
	_ = input.Set("fPort", fPort)

	fired := make(chan struct{})
	timer := time.AfterFunc(d.timeout, func() {
		d.vm.Interrupt(ErrTimeout)
		close(fired)
	})
	value, err := d.decode(goja.Undefined(), input)
	if !timer.Stop() {
		<-fired
	}
	d.vm.ClearInterrupt()

	var exported interface{}
	if err == nil {
		exported = value.Export()
	}
	d.mu.Unlock()

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return Result{}, fmt.Errorf("decodeUplink interrupted after %s: %w", d.timeout, ErrTimeout)
	}
	if err != nil {
		return Result{}, fmt.Errorf("decodeUplink failed: %w", err)
	}

	raw, err := json.Marshal(exported)
	if err != nil {
		return Result{}, fmt.Errorf("failed to serialize decoder result: %w", err)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, fmt.Errorf("unexpected decoder result: %w", err)
	}

	if len(result.Errors) > 0 {
		return result, fmt.Errorf("decoder reported errors: %s", strings.Join(result.Errors, "; "))
	}
	for _, w := range result.Warnings {
		logger.Warn("decoder warning: %s", w)
	}
	return result, nil
}

// Reload replaces or adds one decoder
func (m *Manager) Reload(name string, script Script) error {
	d, err := load(script)
	if err != nil {
		return fmt.Errorf("failed to reload decoder %s: %w", name, err)
	}

	m.mutex.Lock()
	m.decoders[name] = d
	m.mutex.Unlock()

	logger.Info("reloaded uplink decoder %s", name)
	return nil
}

// Sync reloads every configured script and drops the ones no longer
// configured. Scripts that fail to load keep their previous version.
func (m *Manager) Sync(scripts map[string]Script) {
	for name, script := range scripts {
		if err := m.Reload(name, script); err != nil {
			logger.Error("%v", err)
		}
	}

	m.mutex.Lock()
	for name := range m.decoders {
		if _, ok := scripts[name]; !ok {
			delete(m.decoders, name)
			logger.Info("removed uplink decoder %s", name)
		}
	}
	m.mutex.Unlock()
}
