package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/tidwall/pretty"

	"github.com/crowdllama/llamadesk/internal/ipc"
)

// Formatter handles output formatting. Line writes are serialized so
// messages delivered on other goroutines never interleave.
type Formatter struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

// FormatConfig formats the effective configuration as indented JSON
func (f *Formatter) FormatConfig(cfg ConfigDTO) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(cfg)
}

// WriteLine writes v as one compact JSON line.
func (f *Formatter) WriteLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", v, err)
	}
	return f.writeLine(data)
}

// WriteMessage writes a worker message as one JSON line, keeping the JSON
// it arrived with. Locally built messages are encoded first.
func (f *Formatter) WriteMessage(msg ipc.Message) error {
	data := []byte(msg.Raw())
	if len(data) == 0 {
		var err error
		if data, err = ipc.Encode(msg); err != nil {
			return err
		}
	}
	return f.writeLine(pretty.Ugly(data))
}

func (f *Formatter) writeLine(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
